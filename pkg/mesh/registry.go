package mesh

import "fmt"

// Registry owns every Connection by id and tracks the reverse fd→id index
// (spec §4.9, invariant I1). It is exclusively owned by a Comm value; all
// methods expect the caller already holds Comm's mutex.
type Registry struct {
	max   int
	byID  map[int]*Connection
	byFD  map[int]int
}

// NewRegistry creates a registry accepting ids in [0, max).
func NewRegistry(max int) *Registry {
	return &Registry{
		max:  max,
		byID: make(map[int]*Connection),
		byFD: make(map[int]int),
	}
}

// Len returns the number of connections currently registered.
func (r *Registry) Len() int { return len(r.byID) }

// Full reports whether the registry has no id left to allocate.
func (r *Registry) Full() bool { return len(r.byID) >= r.max }

// Allocate returns the smallest id in [0, max) not currently in use, per
// invariant I6. Linear in registry size, which is acceptable at the
// design's target connection counts.
func (r *Registry) Allocate() (int, error) {
	for id := 0; id < r.max; id++ {
		if _, used := r.byID[id]; !used {
			return id, nil
		}
	}
	return -1, fmt.Errorf("mesh: registry full (max_connections=%d)", r.max)
}

// Add registers c under its id. c.fd, if >= 0, is indexed for ByFD
// lookups (I1).
func (r *Registry) Add(c *Connection) {
	r.byID[c.id] = c
	if fd := c.FD(); fd >= 0 {
		r.byFD[fd] = c.id
	}
}

// SetFD updates the fd→id index for an already-registered connection,
// e.g. once a dial or accept completes and a real fd exists. Passing fd<0
// removes any existing index entry (I1: "if fd = -1 no such mapping
// exists").
func (r *Registry) SetFD(c *Connection, fd int) {
	if old := c.FD(); old >= 0 {
		delete(r.byFD, old)
	}
	c.setFD(fd)
	if fd >= 0 {
		r.byFD[fd] = c.id
	}
}

// Get looks up a connection by id.
func (r *Registry) Get(id int) (*Connection, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// ByFD looks up a connection by its current fd.
func (r *Registry) ByFD(fd int) (*Connection, bool) {
	id, ok := r.byFD[fd]
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// Delete removes c from both indices (§4.9: "delete(id) ... tears down the
// connection's fd index").
func (r *Registry) Delete(id int) {
	if c, ok := r.byID[id]; ok {
		if fd := c.FD(); fd >= 0 {
			delete(r.byFD, fd)
		}
	}
	delete(r.byID, id)
}

// All calls fn for every registered connection. fn must not call Add or
// Delete on the registry (the sweep removing settled connections runs
// separately, mirroring spec §5's "must not invalidate the iterator").
func (r *Registry) All(fn func(*Connection)) {
	for _, c := range r.byID {
		fn(c)
	}
}

// Sweep removes every connection that has settled to StateInactive,
// returning how many were removed. Spec §4.9: "the periodic sweep ...
// removes those that have settled to inactive."
func (r *Registry) Sweep() int {
	var dead []int
	for id, c := range r.byID {
		if c.State() == StateInactive {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		r.Delete(id)
	}
	return len(dead)
}
