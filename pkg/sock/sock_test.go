//go:build unix

package sock

import (
	"testing"
)

func TestListenConnectAccept(t *testing.T) {
	lfd, err := Listen("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("Listen() = %v", err)
	}
	defer Close(lfd)

	sa, err := unixGetsockname(lfd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}

	cfd, inProgress, err := Connect(sa)
	if err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer Close(cfd)
	_ = inProgress

	waitReadable(t, lfd)

	afd, _, err := Accept(lfd)
	if err != nil {
		t.Fatalf("Accept() = %v", err)
	}
	defer Close(afd)

	waitWritable(t, cfd)
	if err := SOError(cfd); err != nil {
		t.Fatalf("SOError() = %v, want nil", err)
	}

	ok, err := Writable(cfd)
	if err != nil {
		t.Fatalf("Writable() = %v", err)
	}
	if !ok {
		t.Fatal("Writable() = false, want true for a connected socket")
	}
}

func TestConnectRefused(t *testing.T) {
	// A listen-then-close frees the port but nothing accepts on it, so the
	// connect should fail (ECONNREFUSED) rather than silently succeed.
	lfd, err := Listen("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("Listen() = %v", err)
	}
	addr, err := unixGetsockname(lfd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	Close(lfd)

	fd, inProgress, err := Connect(addr)
	if fd >= 0 {
		defer Close(fd)
	}
	if err == nil && !inProgress {
		t.Fatal("expected either an error or an in-progress connect to a closed listener")
	}
}
