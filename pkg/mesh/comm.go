package mesh

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/meshvpn/meshd/pkg/listenerset"
	"github.com/meshvpn/meshd/pkg/peerfw"
	"github.com/meshvpn/meshd/pkg/sock"
	"github.com/rs/zerolog"
)

// Options configures a Comm. It corresponds to the subset of spec §6's
// configuration keys this package itself consumes; the rest (cert/key/ca
// paths) are consumed by pkg/tlsconfig before a *tls.Config reaches here.
type Options struct {
	MaxConnections  int
	ListenBacklog   int
	MTU             int
	MaxDataQueue    int
	MaxProtoQueue   int
	Intervals       Intervals
	CloseTimeout    time.Duration
	DriverInterval  time.Duration // periodic driver tick; not a spec.md key, an implementation detail
}

// DefaultOptions matches spec §6's defaults.
var DefaultOptions = Options{
	MaxConnections: 1024,
	ListenBacklog:  32,
	MTU:            8192,
	MaxDataQueue:   256,
	MaxProtoQueue:  64,
	Intervals:      DefaultIntervals,
	CloseTimeout:   time.Second,
	DriverInterval: 200 * time.Millisecond,
}

// Comm is the single owner of the registry, the listener set, and the
// external route table reference (spec §9: "model as fields of a single
// owned Comm value"). Its mutex guards the registry, the listener set and
// the allowlist reference; the RouteLayer is not guarded by it and is
// called directly from connection goroutines. Everything connection-local
// is guarded by the Connection's own mutex (see the package doc in
// connection.go).
type Comm struct {
	opts    Options
	tls     *tls.Config
	route   RouteLayer
	logger  zerolog.Logger
	metrics *metricsSink

	mu        sync.Mutex
	registry  *Registry
	listeners *listenerset.Set
	allow     *peerfw.List

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Comm. tlsCfg is normally produced by pkg/tlsconfig.Build.
// allow may be nil, in which case every inbound peer is accepted (subject
// only to TLS mutual authentication).
func New(opts Options, tlsCfg *tls.Config, route RouteLayer, allow *peerfw.List, logger zerolog.Logger) *Comm {
	if allow == nil {
		allow, _ = peerfw.New("")
	}
	return &Comm{
		opts:      opts,
		tls:       tlsCfg,
		route:     route,
		logger:    logger,
		metrics:   newMetricsSink(),
		registry:  NewRegistry(opts.MaxConnections),
		listeners: listenerset.New(logger),
		allow:     allow,
	}
}

// WritePrometheus exposes every counter tracked across this Comm's
// connections.
func (m *Comm) WritePrometheus(w io.Writer) {
	m.metrics.WritePrometheus(w)
}

// Listen adds a listening socket, spec §4.10.
func (m *Comm) Listen(addr string) error {
	return m.listeners.Listen(addr, m.opts.ListenBacklog)
}

// Connect registers a new outbound connection in StateRetryTimeout with
// last_retry = 0 so the first retry fires immediately (spec §3's
// lifecycle note).
func (m *Comm) Connect(addr string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registry.Full() {
		return nil, errors.New("mesh: registry full, outbound dial refused")
	}
	id, err := m.registry.Allocate()
	if err != nil {
		return nil, err
	}
	c := newConnection(id, addr, m.opts.MTU, m.opts.MaxDataQueue, m.opts.MaxProtoQueue, m.opts.Intervals, m.logger, m.metrics)
	c.setState(StateRetryTimeout)
	m.registry.Add(c)
	return c, nil
}

// reindexFD returns a callback that keeps the registry's fd→id index (I1)
// in step with c's live fd, for dial/acceptInbound to invoke once the real
// fd is known (and again with -1 on reset) without reaching into m's
// registry directly.
func (m *Comm) reindexFD(c *Connection) func(fd int) {
	return func(fd int) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.registry.SetFD(c, fd)
	}
}

// Stats returns a snapshot of every registered connection.
func (m *Comm) Stats() []ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectionStats, 0, m.registry.Len())
	m.registry.All(func(c *Connection) { out = append(out, c.Stats()) })
	return out
}

// Run starts the periodic driver and each configured listener's accept
// loop, and blocks until ctx is cancelled.
func (m *Comm) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	addrs := m.listeners.Addrs()
	m.mu.Unlock()

	for _, addr := range addrs {
		addr := addr
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.acceptLoop(ctx, addr)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.driverLoop(ctx)
	}()

	<-ctx.Done()
	m.wg.Wait()
	return ctx.Err()
}

// acceptLoop implements §4.10: wait for read-readiness, accept, move to
// non-blocking mode (already true from pkg/sock), allocate an id, and
// enter StateAccepting.
func (m *Comm) acceptLoop(ctx context.Context, addr string) {
	lfd, ok := m.listeners.FD(addr)
	if !ok {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		ready, err := sock.WaitReadable(lfd, 500)
		if err != nil {
			m.logger.Warn().Err(err).Str("addr", addr).Msg("poll listener")
			continue
		}
		if !ready {
			continue
		}

		fd, remote, err := m.listeners.Accept(addr)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
				continue
			}
			m.logger.Warn().Err(err).Str("addr", addr).Msg("accept")
			continue
		}

		if !m.allow.Allowed(remote.Addr()) {
			m.logger.Warn().Stringer("remote", remote).Msg("rejected by peer allowlist")
			sock.Close(fd)
			m.metrics.acceptRefused("peerfw")
			continue
		}

		m.mu.Lock()
		full := m.registry.Full()
		var id int
		if !full {
			id, err = m.registry.Allocate()
			full = err != nil
		}
		m.mu.Unlock()

		if full {
			// spec §7(f): resource exhaustion — close immediately, no
			// registry slot consumed (scenario 6).
			sock.Close(fd)
			m.metrics.acceptRefused("max_connections")
			continue
		}

		c := newConnection(id, "", m.opts.MTU, m.opts.MaxDataQueue, m.opts.MaxProtoQueue, m.opts.Intervals, m.logger, m.metrics)
		m.mu.Lock()
		m.registry.Add(c)
		m.mu.Unlock()

		c.logger.Info().Stringer("remote", remote).Msg("accepted inbound connection")
		go c.acceptInbound(ctx, fd, m.tls, m.route, m.reindexFD(c))
	}
}

// driverLoop implements §2.8/§4.9: invoke periodic_update on every
// connection, then sweep those that settled to inactive.
func (m *Comm) driverLoop(ctx context.Context) {
	t := time.NewTicker(m.opts.DriverInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.tick(ctx)
		}
	}
}

func (m *Comm) tick(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var toDial, toReset []*Connection
	m.registry.All(func(c *Connection) {
		switch c.State() {
		case StateRetryTimeout:
			if c.dueForRetry(now) {
				toDial = append(toDial, c)
			}
		case StateClosing:
			if c.handshakeTimedOut(now) {
				toReset = append(toReset, c)
			}
		case StateConnecting, StateSSLConnecting, StateAccepting:
			if c.handshakeTimedOut(now) {
				c.logger.Warn().Msg("handshake timed out")
				toReset = append(toReset, c)
			}
		case StateActive:
			if c.activeTimedOut(now) {
				c.disconnect(m.route)
			} else if c.needsKeepalive(now) {
				c.sendPing()
			}
		}
	})
	m.registry.Sweep()
	m.mu.Unlock()

	// reset takes m.mu through the connection's reindexFD callback, so it
	// runs only once the lock is released.
	for _, c := range toReset {
		c.reset()
	}
	for _, c := range toDial {
		go c.dial(ctx, m.tls, m.route, m.reindexFD(c))
	}
}

// Shutdown implements spec §5's graceful-shutdown contract and scenario
// 2: drive every active connection to closing, wait up to CloseTimeout for
// all connections to settle to inactive or retry_timeout, then hard-reset
// every connection that is not inactive.
func (m *Comm) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var active []*Connection
	m.registry.All(func(c *Connection) {
		if c.State() == StateActive {
			active = append(active, c)
		}
	})
	m.mu.Unlock()

	for _, c := range active {
		c.disconnect(m.route)
	}

	deadline := time.Now().Add(m.opts.CloseTimeout)
waitSettled:
	for time.Now().Before(deadline) {
		if m.allSettled() {
			break
		}
		select {
		case <-ctx.Done():
			break waitSettled
		case <-time.After(10 * time.Millisecond):
		}
	}

	m.mu.Lock()
	var remaining []*Connection
	m.registry.All(func(c *Connection) {
		if c.State() != StateInactive {
			remaining = append(remaining, c)
		}
	})
	m.listeners.Close()
	cancel := m.cancel
	m.mu.Unlock()

	// reset takes m.mu through reindexFD, so it runs outside the lock.
	for _, c := range remaining {
		c.reset()
	}

	if cancel != nil {
		cancel()
	}
}

func (m *Comm) allSettled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	settled := true
	m.registry.All(func(c *Connection) {
		if s := c.State(); s != StateInactive && s != StateRetryTimeout {
			settled = false
		}
	})
	return settled
}
