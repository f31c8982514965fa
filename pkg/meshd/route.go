package meshd

import (
	"github.com/meshvpn/meshd/db/journaldb"
	"github.com/meshvpn/meshd/pkg/mesh"
	"github.com/rs/zerolog"
)

// nullRoute is the default mesh.RouteLayer: route table computation and
// best-path selection are explicitly out of scope for this core (spec
// §1's "Out of scope" list), so the daemon ships a route layer that logs
// received traffic at debug level, records an activate event in the
// journal (if enabled) when a connection reports in, and advertises an
// empty route table. Traffic itself is not journaled. A real
// deployment wires its own RouteLayer implementation in front of an
// actual Ethernet tap/TUN device and route table.
type nullRoute struct {
	logger  zerolog.Logger
	journal *journaldb.DB
}

func newNullRoute(logger zerolog.Logger, journal *journaldb.DB) *nullRoute {
	return &nullRoute{logger: logger, journal: journal}
}

func (r *nullRoute) RoutePacket(payload []byte, fromID int) {
	r.logger.Debug().Int("conn_id", fromID).Int("len", len(payload)).Msg("unicast frame received, no route layer configured")
}

func (r *nullRoute) RouteBroadcastPacket(broadcastID uint32, payload []byte, fromID int) {
	r.logger.Debug().Int("conn_id", fromID).Uint32("broadcast_id", broadcastID).Int("len", len(payload)).Msg("broadcast frame received, no route layer configured")
}

func (r *nullRoute) RouteSetDirty() {
	r.logger.Debug().Msg("route state marked dirty")
}

func (r *nullRoute) ReportToConnection(c *mesh.Connection) {
	if err := c.WriteRouteSet(nil); err != nil {
		r.logger.Warn().Int("conn_id", c.ID()).Err(err).Msg("write empty route set")
	}
	if r.journal != nil {
		_ = r.journal.Record(c.ID(), journaldb.KindActivate, c.RemoteAddress(), "route report")
	}
}

var _ mesh.RouteLayer = (*nullRoute)(nil)
