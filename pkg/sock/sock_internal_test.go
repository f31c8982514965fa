//go:build unix

package sock

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// unixGetsockname returns the "host:port" a listening socket is bound to,
// resolving the kernel-assigned ephemeral port from a :0 bind.
func unixGetsockname(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("127.0.0.1:%d", sa.Port), nil
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[::1]:%d", sa.Port), nil
	default:
		return "", fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	waitEvent(t, fd, unix.POLLIN)
}

func waitWritable(t *testing.T, fd int) {
	t.Helper()
	waitEvent(t, fd, unix.POLLOUT)
}

func waitEvent(t *testing.T, fd int, events int16) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, 50)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if n > 0 && fds[0].Revents&events != 0 {
			return
		}
	}
	t.Fatalf("timed out waiting for fd %d to become ready (events=%d)", fd, events)
}
