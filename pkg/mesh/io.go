package mesh

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/meshvpn/meshd/pkg/sock"
	"github.com/meshvpn/meshd/pkg/squeue"
	"github.com/meshvpn/meshd/pkg/wire"
)

// dial implements the retry_timeout→connecting→ssl_connecting→active path
// (§4.5) for an outbound connection. It runs in its own goroutine; on
// return the connection has either reached StateActive (with reader/
// writer goroutines started) or been reset.
func (c *Connection) dial(ctx context.Context, cfg *tls.Config, route RouteLayer, reindex func(fd int)) {
	ctx, cancel := context.WithCancel(ctx)
	hctx, hcancel := context.WithTimeout(ctx, c.intervals.Timeout)
	defer hcancel()
	c.mu.Lock()
	c.cancel = cancel
	c.closeOnce = new(sync.Once)
	c.reindexFD = reindex
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.armHandshakeDeadline(time.Now())

	fd, inProgress, err := sock.Connect(c.remoteAddr)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dial failed")
		cancel()
		c.reset()
		return
	}
	reindex(fd)

	if inProgress {
		if err := waitConnected(hctx, fd); err != nil {
			c.logger.Warn().Err(err).Msg("connect did not complete")
			sock.Close(fd)
			cancel()
			c.reset()
			return
		}
	}

	raw, err := adoptFD(fd)
	if err != nil {
		c.logger.Warn().Err(err).Msg("adopt connected socket")
		cancel()
		c.reset()
		return
	}

	c.setState(StateSSLConnecting)
	tconn := tls.Client(raw, cfg)
	if err := tconn.HandshakeContext(hctx); err != nil {
		c.logger.Warn().Err(err).Msg("tls handshake failed")
		_ = tconn.Close()
		cancel()
		c.reset()
		return
	}

	c.becomeActive(ctx, tconn, route)
}

// acceptInbound implements §4.10: an accepted socket is moved to non-
// blocking mode (already true by the time sock.Accept returns it),
// allocated a TLS session, and SSL_accept is called.
func (c *Connection) acceptInbound(ctx context.Context, fd int, cfg *tls.Config, route RouteLayer, reindex func(fd int)) {
	ctx, cancel := context.WithCancel(ctx)
	hctx, hcancel := context.WithTimeout(ctx, c.intervals.Timeout)
	defer hcancel()
	c.mu.Lock()
	c.cancel = cancel
	c.closeOnce = new(sync.Once)
	c.reindexFD = reindex
	c.mu.Unlock()

	c.setState(StateAccepting)
	reindex(fd)
	c.armHandshakeDeadline(time.Now())

	raw, err := adoptFD(fd)
	if err != nil {
		c.logger.Warn().Err(err).Msg("adopt accepted socket")
		cancel()
		c.reset()
		return
	}

	tconn := tls.Server(raw, cfg)
	if err := tconn.HandshakeContext(hctx); err != nil {
		c.logger.Warn().Err(err).Msg("tls handshake failed (inbound)")
		_ = tconn.Close()
		cancel()
		c.reset()
		return
	}

	c.becomeActive(ctx, tconn, route)
}

func (c *Connection) becomeActive(ctx context.Context, tconn *tls.Conn, route RouteLayer) {
	c.mu.Lock()
	c.conn = tconn
	c.submit = make(chan submission, c.maxDataQ+c.maxProtoQ)
	c.done = make(chan struct{})
	c.closed = false
	c.mu.Unlock()

	c.activate(route)

	go c.runWriter(ctx, tconn)
	go c.runReader(tconn, route)
}

// waitConnected polls writability/SO_ERROR the way §4.5's connecting
// state does on each readiness tick, but in a tight loop local to this
// goroutine rather than through a shared poller.
func waitConnected(ctx context.Context, fd int) error {
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			writable, err := sock.Writable(fd)
			if err != nil {
				return err
			}
			if !writable {
				continue
			}
			if err := sock.SOError(fd); err != nil {
				return err
			}
			return nil
		}
	}
}

// adoptFD wraps a raw, already-connected fd in a *net.TCPConn so the
// blocking net.Conn / crypto/tls API can drive it from here on: from this
// point the connection is driven by dedicated reader/writer goroutines
// instead of a non-blocking poll loop. sock.NewConn closes fd itself,
// whether or not it succeeds.
func adoptFD(fd int) (net.Conn, error) {
	return sock.NewConn(fd)
}

// runReader implements try_read + try_parse_input (§4.6): loop reading
// into a stack buffer, append to recv_q, and repeatedly decode complete
// frames out of it.
func (c *Connection) runReader(conn net.Conn, route RouteLayer) {
	var buf [16 * 1024]byte
	for {
		n, err := conn.Read(buf[:])
		if n > 0 {
			c.recvQ.Append(buf[:n])
			c.dispatchReady(route)
		}
		if err != nil {
			c.handleIOError(err, "read")
			return
		}
	}
}

// dispatchReady implements try_parse_input: repeatedly complete the
// cached header and then its payload, dispatching each frame and
// resetting cached_header until recv_q is insufficient (I3).
func (c *Connection) dispatchReady(route RouteLayer) {
	for {
		if c.cachedHeader.Type == 0 {
			raw, ok := c.recvQ.Peek(wire.HeaderSize)
			if !ok {
				return
			}
			c.cachedHeader = wire.DecodeHeader(raw)
			c.recvQ.PopBytes(wire.HeaderSize)
		}

		need, ok := wire.PayloadLen(c.cachedHeader)
		if !ok {
			// §4.1: unknown type is a protocol violation; disconnect rather
			// than reset, since we have no way to know how many payload
			// bytes to skip to resynchronize the stream.
			c.logger.Warn().Uint8("type", uint8(c.cachedHeader.Type)).Msg("unknown frame type, disconnecting")
			c.metrics.protocolError()
			c.disconnect(route)
			return
		}
		if c.recvQ.Len() < need {
			return
		}
		payload, _ := c.recvQ.PopBytes(need)
		h := c.cachedHeader
		c.cachedHeader = wire.Header{}

		c.handleFrame(h, payload, route)
	}
}

// handleFrame dispatches one decoded frame of a known type; unknown types
// never reach here (dispatchReady disconnects before this point).
func (c *Connection) handleFrame(h wire.Header, payload []byte, route RouteLayer) {
	now := time.Now()
	switch h.Type {
	case wire.TypeRouteSet:
		entries, _ := wire.DecodeRouteEntries(payload, len(payload)/wire.RouteEntrySize)
		c.replaceRemoteRoutes(entries)
		route.RouteSetDirty()
	case wire.TypeRouteDiff:
		entries, _ := wire.DecodeRouteEntries(payload, len(payload)/wire.RouteEntrySize)
		if h.Special == 1 {
			c.removeRemoteRoutes(entries)
		} else {
			c.mergeRemoteRoutes(entries)
		}
		route.RouteSetDirty()
	case wire.TypeEthFrame:
		route.RoutePacket(payload, c.id)
	case wire.TypeBroadcast:
		bid, frame, ok := wire.DecodeBroadcast(payload)
		if ok {
			route.RouteBroadcastPacket(bid, frame, c.id)
		}
	case wire.TypeEchoRequest:
		c.handleEchoRequest(h.Special)
		c.touchLastPing(now)
	case wire.TypeEchoReply:
		c.handleEchoReply(h.Special, now, route)
	}
}

func (c *Connection) replaceRemoteRoutes(entries []wire.RouteEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return // P2: remote_routes only meaningful in active
	}
	m := make(map[wire.HardwareAddress]uint32, len(entries))
	for _, e := range entries {
		m[e.Addr] = e.Ping
	}
	c.remoteRoutes = m
}

func (c *Connection) mergeRemoteRoutes(entries []wire.RouteEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return
	}
	for _, e := range entries {
		c.remoteRoutes[e.Addr] = e.Ping
	}
}

func (c *Connection) removeRemoteRoutes(entries []wire.RouteEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return
	}
	for _, e := range entries {
		delete(c.remoteRoutes, e.Addr)
	}
}

// runWriter implements try_write/try_data's queue discipline (§4.6):
// proto_q drains first, except a data_q frame already mid-transmit must
// finish before proto_q may preempt again (P3). Go's net.Conn.Write
// either fully sends a frame or returns an error (io.Writer's contract),
// so "mid-transmit" here spans exactly one Write call; sendingFromDataQ
// is retained to document and preserve that discipline rather than
// because a partial write can straddle two iterations in practice.
//
// ctx.Done() is the shutdown signal, not a closed c.submit: reset() never
// closes that channel, since enqueueControl/enqueueData may still be
// sending on it from the reader goroutine or the driver.
func (c *Connection) runWriter(ctx context.Context, conn net.Conn) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.submit:
			if s.isControl {
				if c.protoQ.Len() < c.maxProtoQ {
					c.protoQ.Push(s.frame)
				} else {
					c.metrics.egressDrop("proto")
				}
			} else {
				if c.dataQ.Len() < c.maxDataQ {
					c.dataQ.Push(s.frame)
				} else {
					c.metrics.egressDrop("data")
				}
			}

			for c.drainOne(conn) {
			}
		}
	}
}

// drainOne writes exactly one queued frame, honoring the proto-first /
// mid-transmit discipline, and reports whether another frame is ready to
// go immediately after.
func (c *Connection) drainOne(conn net.Conn) bool {
	useData := c.sendingFromDataQ && !c.dataQ.Empty()
	if !useData && !c.protoQ.Empty() {
		return c.writeHead(conn, &c.protoQ, false)
	}
	if !c.dataQ.Empty() {
		return c.writeHead(conn, &c.dataQ, true)
	}
	return false
}

func (c *Connection) writeHead(conn net.Conn, q *squeue.SendQueue, fromData bool) bool {
	head, ok := q.Head()
	if !ok {
		return false
	}
	c.sendingFromDataQ = fromData

	n, err := conn.Write(head)
	if n > 0 {
		q.Advance(n)
	}
	if err != nil {
		c.handleIOError(err, "write")
		return false
	}
	if q.Empty() {
		c.sendingFromDataQ = false
	}
	return !c.protoQ.Empty() || !c.dataQ.Empty()
}

// handleIOError is the Go-idiomatic equivalent of §4.7's TLS error
// classifier: crypto/tls's blocking Read/Write surface errors directly
// instead of WANT_READ/WANT_WRITE codes, so there is nothing to
// distinguish except "peer closed cleanly" (EOF, benign) from everything
// else (fatal, reset the connection).
func (c *Connection) handleIOError(err error, op string) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.logger.Debug().Str("op", op).Msg("peer closed connection")
	} else {
		c.logger.Warn().Err(err).Str("op", op).Msg("connection io error")
	}
	c.metrics.ioError(op)
	c.reset()
}
