// Package mesh implements the connection and peering core of a mesh VPN
// daemon: per-peer TLS sessions, their state machine, framing, two-queue
// egress discipline, liveness probing, and the registry and periodic driver
// that tie them together.
//
// Concurrency model. The source this was modeled on drives a single-
// threaded poll loop with a TLS library whose handshake re-enters on
// WANT_READ/WANT_WRITE signals. Go's crypto/tls exposes no equivalent
// re-entrant handshake API — Handshake, Read, and Write all block until
// they can make progress or fail. Rather than fight that, each Connection
// runs its own dial/handshake goroutine and, once active, a reader and a
// writer goroutine (net.Conn's contract allows one concurrent reader and
// one concurrent writer). A connection's own fields are guarded by its own
// mutex, so its goroutines may transition state without going through a
// central loop. The Registry (id/fd allocation) is exclusively owned by
// Comm and guarded by Comm's own mutex; connection goroutines reach it only
// through a callback Comm hands them. The external RouteLayer is also held
// by Comm, but connection goroutines call its methods directly and without
// Comm's mutex, so those calls may run concurrently from several
// connections.
package mesh

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/meshvpn/meshd/pkg/squeue"
	"github.com/meshvpn/meshd/pkg/wire"
	"github.com/rs/zerolog"
)

// Intervals bundles the three configurable liveness timers, all in their
// natural Go unit (time.Duration) rather than spec.md's raw microseconds.
type Intervals struct {
	Retry     time.Duration
	Keepalive time.Duration
	Timeout   time.Duration
}

// DefaultIntervals matches spec §4.8's defaults.
var DefaultIntervals = Intervals{
	Retry:     10 * time.Second,
	Keepalive: 5 * time.Second,
	Timeout:   60 * time.Second,
}

// Connection is the central entity described in spec §3: a single peer
// session, inbound or outbound, together with its egress queues and
// liveness bookkeeping.
type Connection struct {
	id          int    // stable, immutable once assigned
	remoteAddr  string // empty for inbound peers; see comment on retry below
	mtu         int
	maxDataQ    int
	maxProtoQ   int
	intervals   Intervals

	logger  zerolog.Logger
	metrics *metricsSink

	mu    sync.Mutex
	state State
	// fd is retained for the I1 id↔fd bookkeeping and for logging/metrics
	// labels. Once a dial or accept completes, pkg/sock.NewConn dup's the
	// fd into the net.Conn handed to crypto/tls and closes this one, so
	// after that point fd is an identity label only, not a live descriptor.
	fd int
	// reindexFD, when set, keeps the owning Comm's Registry fd→id index
	// (I1) in step with this connection's fd across its lifetime; nil
	// before the first dial/accept attempt. Set fresh per attempt
	// alongside cancel/closeOnce.
	reindexFD func(fd int)
	// closed marks that this attempt's submit channel is being torn down:
	// enqueueControl/enqueueData must stop sending on it. The channel
	// itself is never closed, since a concurrent sender (reader goroutine
	// handling an inbound echo_request, or the driver's periodic
	// send_ping) racing reset() would otherwise panic on a closed-channel
	// send.
	closed           bool
	lastRetry        time.Time
	lastPing         time.Time
	sentPingID       uint8
	sentPingTime     time.Time
	pingUS           int64 // microseconds; 1 until measured
	remoteRoutes     map[wire.HardwareAddress]uint32
	activatedAt      time.Time
	retryCount       int

	conn      net.Conn // set once dial/accept completes; nil before that
	cancel    context.CancelFunc
	closeOnce *sync.Once // fresh per dial/accept attempt; guards double-close

	// reader/writer goroutine-private state. recvQ and cachedHeader belong
	// exclusively to the reader goroutine; protoQ/dataQ/sendingFromDataQ
	// belong exclusively to the writer goroutine. Neither is protected by
	// mu: only one goroutine ever touches each.
	recvQ            squeue.RecvQueue
	cachedHeader     wire.Header
	protoQ           squeue.SendQueue
	dataQ            squeue.SendQueue
	sendingFromDataQ bool

	submit chan submission
	done   chan struct{}
}

type submission struct {
	frame     []byte
	isControl bool
}

// newConnection builds a Connection in StateInactive. remoteAddr is empty
// for inbound peers (I5: "never enters retry_timeout").
func newConnection(id int, remoteAddr string, mtu, maxDataQ, maxProtoQ int, intervals Intervals, logger zerolog.Logger, metrics *metricsSink) *Connection {
	return &Connection{
		id:         id,
		remoteAddr: remoteAddr,
		mtu:        mtu,
		maxDataQ:   maxDataQ,
		maxProtoQ:  maxProtoQ,
		intervals:  intervals,
		logger:     logger.With().Int("conn_id", id).Str("remote", remoteAddr).Logger(),
		metrics:    metrics,
		state:      StateInactive,
		fd:         -1,
		pingUS:     1,
		remoteRoutes: make(map[wire.HardwareAddress]uint32),
	}
}

// ID returns the connection's stable registry id.
func (c *Connection) ID() int { return c.id }

// RemoteAddress returns the configured dial address, or "" for an inbound
// peer.
func (c *Connection) RemoteAddress() string { return c.remoteAddr }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		c.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("connection state transition")
		c.metrics.stateTransition(old, s)
	}
}

// FD returns the fd this connection's socket was created from, or -1.
func (c *Connection) FD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd
}

func (c *Connection) setFD(fd int) {
	c.mu.Lock()
	c.fd = fd
	c.mu.Unlock()
}

// Ping returns the current delay estimate in microseconds: 2 plus the last
// measured echo round-trip time, or 1 until a round trip has been measured.
func (c *Connection) Ping() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingUS
}

// RemoteRoutes returns a snapshot copy of the routes this peer claims to
// reach (P2: only meaningful in StateActive; empty otherwise per I4).
func (c *Connection) RemoteRoutes() map[wire.HardwareAddress]uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[wire.HardwareAddress]uint32, len(c.remoteRoutes))
	for k, v := range c.remoteRoutes {
		out[k] = v
	}
	return out
}

// ConnectionStats is a point-in-time snapshot for the debug monitor
// (SPEC_FULL.md §D.2), collected by Comm.Stats.
type ConnectionStats struct {
	ID         int
	RemoteAddr string
	State      State
	PingUS     int64
	RetryCount int
	Uptime     time.Duration
	RouteCount int
}

// Stats returns a ConnectionStats snapshot.
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var uptime time.Duration
	if c.state == StateActive && !c.activatedAt.IsZero() {
		uptime = time.Since(c.activatedAt)
	}
	return ConnectionStats{
		ID:         c.id,
		RemoteAddr: c.remoteAddr,
		State:      c.state,
		PingUS:     c.pingUS,
		RetryCount: c.retryCount,
		Uptime:     uptime,
		RouteCount: len(c.remoteRoutes),
	}
}

// dueForRetry reports whether a StateRetryTimeout connection with an
// address should start connecting now (P8).
func (c *Connection) dueForRetry(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRetryTimeout || c.remoteAddr == "" {
		return false
	}
	return now.Sub(c.lastRetry) >= c.intervals.Retry
}

// armHandshakeDeadline stamps last_retry/last_ping the way §4.5's
// retry_timeout→connecting transition does.
func (c *Connection) armHandshakeDeadline(now time.Time) {
	c.mu.Lock()
	c.lastRetry = now
	c.lastPing = now
	c.retryCount++
	c.mu.Unlock()
}

// handshakeTimedOut reports whether a connecting/ssl_connecting/accepting/
// closing connection has exceeded the shared timeout deadline (spec §5).
func (c *Connection) handshakeTimedOut(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastPing) > c.intervals.Timeout
}

// activeTimedOut reports whether an active connection has gone silent
// past the timeout interval (§4.8).
func (c *Connection) activeTimedOut(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastPing) > c.intervals.Timeout
}

// needsKeepalive reports whether an active connection is due to send a
// new ping.
func (c *Connection) needsKeepalive(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.sentPingTime) > c.intervals.Keepalive
}

// touchLastPing marks the connection alive regardless of nonce match
// (§4.8: "receipt of any echo_reply updates last_ping").
func (c *Connection) touchLastPing(now time.Time) {
	c.mu.Lock()
	c.lastPing = now
	c.mu.Unlock()
}

// activate enters StateActive (§4.6): clears sendingFromDataQ, issues an
// echo_request, and asks route to dump its table to this peer.
func (c *Connection) activate(route RouteLayer) {
	c.mu.Lock()
	c.sendingFromDataQ = false
	c.activatedAt = time.Now()
	c.mu.Unlock()

	c.setState(StateActive)
	c.sendPing()
	route.ReportToConnection(c)
}

// sendPing implements §4.8's send_ping: stamp sent_ping_time, bump the
// 8-bit rolling nonce, enqueue echo_request(nonce) (P6).
func (c *Connection) sendPing() {
	c.mu.Lock()
	c.sentPingTime = time.Now()
	c.sentPingID++
	nonce := c.sentPingID
	c.mu.Unlock()

	c.enqueueControl(wire.EncodeEcho(nil, wire.TypeEchoRequest, nonce))
}

// handleEchoReply implements §4.8's pong handling: on nonce match, compute
// ping = 2 + rtt and mark the route table dirty; on mismatch, drop (P5
// "stale pong" scenario). last_ping is updated unconditionally.
func (c *Connection) handleEchoReply(nonce uint8, now time.Time, route RouteLayer) {
	c.touchLastPing(now)

	c.mu.Lock()
	match := nonce == c.sentPingID
	sentAt := c.sentPingTime
	c.mu.Unlock()

	if !match {
		c.logger.Debug().Uint8("nonce", nonce).Msg("stale pong, dropping")
		return
	}

	rtt := now.Sub(sentAt)
	c.mu.Lock()
	c.pingUS = 2 + rtt.Microseconds()
	c.mu.Unlock()
	route.RouteSetDirty()
}

// handleEchoRequest implements §4.8: immediately reply with the same
// nonce.
func (c *Connection) handleEchoRequest(nonce uint8) {
	c.enqueueControl(wire.EncodeEcho(nil, wire.TypeEchoReply, nonce))
}

// WriteRouteSet enqueues a full route_set frame (called by the route
// layer from ReportToConnection, and by the periodic full-refresh path).
func (c *Connection) WriteRouteSet(entries []wire.RouteEntry) error {
	return c.writeRoutes(wire.TypeRouteSet, 0, entries)
}

// WriteRouteDiff enqueues a route_diff frame. merge entries update or add
// routes; remove entries are encoded with special=1 per the resolved
// deviation documented in pkg/wire/doc.go. A single frame carries either
// merges or removals, never both, since the flag is frame-wide.
func (c *Connection) WriteRouteDiff(merge []wire.RouteEntry, remove []wire.HardwareAddress) error {
	if len(merge) > 0 {
		if err := c.writeRoutes(wire.TypeRouteDiff, 0, merge); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		entries := make([]wire.RouteEntry, len(remove))
		for i, a := range remove {
			entries[i] = wire.RouteEntry{Addr: a}
		}
		if err := c.writeRoutes(wire.TypeRouteDiff, 1, entries); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) writeRoutes(typ wire.Type, special uint8, entries []wire.RouteEntry) error {
	buf := wire.Header{Type: typ, Special: special, Size: uint16(len(entries))}.Encode(nil)
	buf = wire.EncodeRouteEntries(buf, entries)
	c.enqueueControl(buf)
	return nil
}

// EnqueueEthFrame implements spec §4.1's frame-size policy: payloads over
// mtu are silently dropped, never queued (scenario 4).
func (c *Connection) EnqueueEthFrame(payload []byte) {
	if len(payload) > c.mtu {
		c.metrics.oversizedDrop("eth_frame")
		return
	}
	c.enqueueData(wire.EncodeEthFrame(nil, payload))
}

// EnqueueBroadcast is EnqueueEthFrame's counterpart for broadcast frames.
func (c *Connection) EnqueueBroadcast(broadcastID uint32, payload []byte) {
	if len(payload)+4 > c.mtu {
		c.metrics.oversizedDrop("broadcast")
		return
	}
	c.enqueueData(wire.EncodeBroadcast(nil, broadcastID, payload))
}

func (c *Connection) enqueueControl(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.metrics.egressDrop("proto")
		return
	}
	select {
	case c.submit <- submission{frame: frame, isControl: true}:
	default:
		c.metrics.egressDrop("proto")
	}
}

func (c *Connection) enqueueData(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.metrics.egressDrop("data")
		return
	}
	select {
	case c.submit <- submission{frame: frame, isControl: false}:
	default:
		c.metrics.egressDrop("data")
	}
}

// disconnect implements the active→closing transition (§4.5/§4.6):
// remote_routes cleared (I4), route layer notified, handshake deadline
// re-armed to bound the graceful shutdown, and a TLS close_notify
// attempted.
func (c *Connection) disconnect(route RouteLayer) {
	c.mu.Lock()
	c.remoteRoutes = make(map[wire.HardwareAddress]uint32)
	c.lastPing = time.Now()
	conn := c.conn
	c.mu.Unlock()

	c.setState(StateClosing)
	route.RouteSetDirty()

	// tls.Conn.Close sends a close_notify alert before closing the
	// underlying socket, which is the closest equivalent Go offers to the
	// original's "retry TLS shutdown until it returns >0 or times out";
	// the periodic driver's try_close enforces the timeout (see comm.go).
	if conn != nil {
		go func() { _ = conn.Close() }()
	}
}

// reset implements §5's resource-ownership teardown and P7's idempotence:
// clear routes and unset fd (dropping the registry's fd index entry),
// cancel the attempt's goroutines and free the TLS session (Close), clear
// the queues and the cached header, then choose retry_timeout or inactive
// based on whether an address is configured (I5).
func (c *Connection) reset() {
	c.mu.Lock()
	if c.state == StateInactive {
		c.mu.Unlock()
		return // P7: idempotent
	}
	cancel := c.cancel
	conn := c.conn
	once := c.closeOnce
	reindex := c.reindexFD
	hasAddr := c.remoteAddr != ""
	c.remoteRoutes = make(map[wire.HardwareAddress]uint32)
	c.conn = nil
	c.fd = -1
	c.closed = true
	c.mu.Unlock()

	if reindex != nil {
		reindex(-1)
	}

	// once is per dial/accept attempt (set fresh by dial/acceptInbound), so
	// retried connections close their new goroutines' resources exactly
	// once even though reset() itself may be called from both the reader
	// and writer goroutines of the same attempt. The writer goroutine is
	// unblocked by cancel (it selects on ctx.Done() alongside c.submit)
	// rather than by closing c.submit, which a concurrent enqueueControl/
	// enqueueData (guarded by the closed flag above, not this once) could
	// otherwise race and panic on.
	if once != nil {
		once.Do(func() {
			if cancel != nil {
				cancel()
			}
			if conn != nil {
				_ = conn.Close()
			}
		})
	}

	c.recvQ.Clear()
	c.cachedHeader = wire.Header{}
	c.protoQ.Clear()
	c.dataQ.Clear()
	c.sendingFromDataQ = false

	if hasAddr {
		c.setState(StateRetryTimeout)
	} else {
		c.setState(StateInactive)
	}
}
