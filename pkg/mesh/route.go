package mesh

import "github.com/meshvpn/meshd/pkg/wire"

// RouteLayer is the external routing table collaborator (spec §6's "route
// layer contract"). It is out of scope for this package: the caller
// supplies an implementation backed by whatever best-path computation and
// tap/TUN plumbing it has.
type RouteLayer interface {
	// RoutePacket delivers an inbound unicast eth_frame payload received
	// from the connection identified by fromID.
	RoutePacket(payload []byte, fromID int)

	// RouteBroadcastPacket delivers an inbound broadcast payload and its
	// opaque 32-bit broadcast id, for source deduplication by the caller.
	RouteBroadcastPacket(broadcastID uint32, payload []byte, fromID int)

	// RouteSetDirty signals that routing state changed (a connection was
	// disconnected, its remote route table changed, or its ping estimate
	// was updated) and the caller should recompute best paths.
	RouteSetDirty()

	// ReportToConnection is called once a connection activates; the route
	// layer is expected to call c.WriteRouteSet with its current table.
	ReportToConnection(c *Connection)
}
