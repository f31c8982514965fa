// Package peerfw is a static inbound IP allowlist for the listener set: an
// optional extra layer of defense in front of TLS mutual authentication
// (an unlisted peer is refused before a socket is even handed to the TLS
// handshake). Adapted from pkg/cloudflare's Cloudflare IP list — the same
// mutex-guarded []netip.Prefix membership check, but loaded once from
// static configuration instead of fetched periodically from a remote
// feed, since mesh peers are pre-configured addresses, not a dynamic
// client population.
package peerfw

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// List is a set of allowed source prefixes. A zero-value List (or one
// with no prefixes loaded) allows everything — the allowlist is opt-in.
type List struct {
	mu    sync.RWMutex
	allow []netip.Prefix
}

// New builds a List from a comma-separated string of CIDR prefixes or
// bare addresses (bare addresses are treated as /32 or /128), matching
// the `peer_allow` configuration key's format.
func New(csv string) (*List, error) {
	l := &List{}
	if strings.TrimSpace(csv) == "" {
		return l, nil
	}
	var prefixes []netip.Prefix
	for _, f := range strings.Split(csv, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if strings.ContainsRune(f, '/') {
			p, err := netip.ParsePrefix(f)
			if err != nil {
				return nil, fmt.Errorf("peerfw: invalid prefix %q: %w", f, err)
			}
			prefixes = append(prefixes, p)
			continue
		}
		a, err := netip.ParseAddr(f)
		if err != nil {
			return nil, fmt.Errorf("peerfw: invalid address %q: %w", f, err)
		}
		p, err := a.Prefix(a.BitLen())
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	l.allow = prefixes
	return l, nil
}

// Allowed reports whether ip may connect. An empty list allows everything.
func (l *List) Allowed(ip netip.Addr) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.allow) == 0 {
		return true
	}
	ip = ip.Unmap()
	for _, p := range l.allow {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Set atomically replaces the allowlist, e.g. on SIGHUP config reload.
func (l *List) Set(csv string) error {
	n, err := New(csv)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.allow = n.allow
	l.mu.Unlock()
	return nil
}
