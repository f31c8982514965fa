package mesh

import (
	"sync"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeRoute is a mesh.RouteLayer test double recording every call, guarded
// by a mutex since dispatch can run from reader goroutines in the full
// stack (tests here drive it from a single goroutine, but the guard costs
// nothing and matches the real contract).
type fakeRoute struct {
	mu         sync.Mutex
	packets    []fakePacket
	broadcasts []fakeBroadcast
	dirtyCalls int
	reported   []*Connection
}

type fakePacket struct {
	payload []byte
	fromID  int
}

type fakeBroadcast struct {
	id      uint32
	payload []byte
	fromID  int
}

func (r *fakeRoute) RoutePacket(payload []byte, fromID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, fakePacket{payload: append([]byte(nil), payload...), fromID: fromID})
}

func (r *fakeRoute) RouteBroadcastPacket(broadcastID uint32, payload []byte, fromID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, fakeBroadcast{id: broadcastID, payload: append([]byte(nil), payload...), fromID: fromID})
}

func (r *fakeRoute) RouteSetDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirtyCalls++
}

func (r *fakeRoute) ReportToConnection(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, c)
}

var _ RouteLayer = (*fakeRoute)(nil)
