package peerfw

import (
	"net/netip"
	"testing"
)

func TestEmptyListAllowsEverything(t *testing.T) {
	l, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if !l.Allowed(netip.MustParseAddr("8.8.8.8")) {
		t.Fatal("empty list should allow everything")
	}
}

func TestPrefixAndBareAddress(t *testing.T) {
	l, err := New("10.0.0.0/8, 192.168.1.5")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.5", true},
		{"192.168.1.6", false},
		{"1.2.3.4", false},
	}
	for _, tc := range cases {
		if got := l.Allowed(netip.MustParseAddr(tc.addr)); got != tc.want {
			t.Errorf("Allowed(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestInvalidEntry(t *testing.T) {
	if _, err := New("not-an-ip"); err == nil {
		t.Fatal("expected error for invalid entry")
	}
}

func TestSetReplacesList(t *testing.T) {
	l, err := New("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	if l.Allowed(netip.MustParseAddr("192.168.1.1")) {
		t.Fatal("192.168.1.1 should not be allowed yet")
	}
	if err := l.Set("192.168.0.0/16"); err != nil {
		t.Fatal(err)
	}
	if l.Allowed(netip.MustParseAddr("10.1.1.1")) {
		t.Fatal("10.1.1.1 should no longer be allowed after Set")
	}
	if !l.Allowed(netip.MustParseAddr("192.168.1.1")) {
		t.Fatal("192.168.1.1 should be allowed after Set")
	}
}
