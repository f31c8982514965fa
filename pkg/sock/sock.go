//go:build unix

// Package sock implements the non-blocking socket primitives a mesh
// connection's state machine drives directly (spec §4.4): listen, connect,
// accept, and a zero-timeout writability probe. Every socket handed back by
// this package is already in non-blocking mode.
package sock

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is used when a listen backlog of 0 is requested.
const DefaultBacklog = 32

// Listen resolves addr, creates a non-blocking stream socket, sets
// SO_REUSEADDR, binds, and listens with the given backlog (DefaultBacklog if
// backlog <= 0).
func Listen(addr string, backlog int) (fd int, err error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	ap, err := resolve(addr)
	if err != nil {
		return -1, fmt.Errorf("resolve %s: %w", addr, err)
	}

	fd, sa, err := newSocket(ap)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// Connect resolves addr, creates a non-blocking stream socket, and calls
// connect(2). Per spec §4.4 (and REDESIGN note (d), reversing the original's
// inverted branch): a zero return from connect(2) is immediate success,
// EINPROGRESS means the handshake continues asynchronously, and any other
// errno is a hard failure.
func Connect(addr string) (fd int, inProgress bool, err error) {
	ap, err := resolve(addr)
	if err != nil {
		return -1, false, fmt.Errorf("resolve %s: %w", addr, err)
	}

	fd, sa, err := newSocket(ap)
	if err != nil {
		return -1, false, err
	}

	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS:
		return fd, true, nil
	default:
		unix.Close(fd)
		return -1, false, fmt.Errorf("connect: %w", err)
	}
}

// Accept accepts a connection on listenFD, returning a non-blocking socket
// for it and the peer's address.
func Accept(listenFD int) (fd int, remote netip.AddrPort, err error) {
	nfd, sa, err := unix.Accept(listenFD)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, netip.AddrPort{}, fmt.Errorf("set nonblocking: %w", err)
	}
	remote, err = sockaddrToAddrPort(sa)
	if err != nil {
		unix.Close(nfd)
		return -1, netip.AddrPort{}, err
	}
	return nfd, remote, nil
}

// SOError reads and clears SO_ERROR, the deferred error from a non-blocking
// connect(2) that hasn't finished yet.
func SOError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Writable performs a zero-timeout poll(2) for write-readiness. It is used
// when the event loop is told a connecting socket is writable, but the
// kernel may not have actually finished the three-way handshake yet.
func Writable(fd int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLOUT != 0, nil
}

// WaitReadable polls fd for read-readiness up to timeoutMS milliseconds
// (a negative value waits indefinitely). Used by a listener's accept loop
// instead of spinning on EAGAIN.
func WaitReadable(fd int, timeoutMS int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

// Close is a best-effort close; failures are the caller's to log, not to
// propagate, matching spec §4.4.
func Close(fd int) error {
	return unix.Close(fd)
}

// NewConn adopts an already-connected fd (produced by Connect or Accept)
// as a net.Conn, for handoff to crypto/tls once the non-blocking
// connect/accept phase has finished. net.FileConn dups the fd and the
// returned Conn owns the dup; NewConn closes the original fd before
// returning, on success and on error alike, so the caller must not close
// it again.
func NewConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "mesh-socket")
	defer f.Close()
	return net.FileConn(f)
}

func resolve(addr string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %s", host)
	}
	ip, err := netip.ParseAddr(ips[0])
	if err != nil {
		return netip.AddrPort{}, err
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(p)), nil
}

func newSocket(ap netip.AddrPort) (fd int, sa unix.Sockaddr, err error) {
	domain := unix.AF_INET
	if ap.Addr().Is6() {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("set nonblocking: %w", err)
	}
	sa = addrPortToSockaddr(ap)
	return fd, sa, nil
}

func addrPortToSockaddr(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

func sockaddrToAddrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}
