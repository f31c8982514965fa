// Package listenerset manages the set of listening sockets a mesh daemon
// accepts inbound peers on (spec §2.7/§4.10).
package listenerset

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/meshvpn/meshd/pkg/sock"
	"github.com/rs/zerolog"
)

// Set holds one non-blocking listening socket per configured address.
type Set struct {
	logger zerolog.Logger

	mu   sync.Mutex
	fds  map[string]int // addr -> listening fd
}

// New creates an empty listener set.
func New(logger zerolog.Logger) *Set {
	return &Set{logger: logger, fds: make(map[string]int)}
}

// Listen creates a non-blocking listening socket on addr with the given
// backlog and adds it to the set.
func (s *Set) Listen(addr string, backlog int) error {
	fd, err := sock.Listen(addr, backlog)
	if err != nil {
		return fmt.Errorf("listenerset: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.fds[addr] = fd
	s.mu.Unlock()
	s.logger.Info().Str("addr", addr).Msg("listening")
	return nil
}

// Addrs returns the configured listen addresses.
func (s *Set) Addrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.fds))
	for a := range s.fds {
		out = append(out, a)
	}
	return out
}

// FD returns the listening fd for addr.
func (s *Set) FD(addr string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd, ok := s.fds[addr]
	return fd, ok
}

// Accept accepts one connection on the listener bound to addr. EAGAIN
// (reported by sock.Accept as an unwrapped EAGAIN/EWOULDBLOCK error) is
// benign per §4.10 and should be treated as "nothing to accept right now"
// by the caller using errors.Is against syscall.EAGAIN/EWOULDBLOCK.
func (s *Set) Accept(addr string) (fd int, remote netip.AddrPort, err error) {
	lfd, ok := s.FD(addr)
	if !ok {
		return -1, netip.AddrPort{}, fmt.Errorf("listenerset: no listener on %s", addr)
	}
	return sock.Accept(lfd)
}

// Close tears down every listening socket.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, fd := range s.fds {
		if err := sock.Close(fd); err != nil {
			s.logger.Warn().Err(err).Str("addr", addr).Msg("close listener")
		}
		delete(s.fds, addr)
	}
}
