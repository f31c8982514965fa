package meshd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/meshvpn/meshd/db/journaldb"
	"github.com/meshvpn/meshd/pkg/mesh"
	"github.com/meshvpn/meshd/pkg/peerfw"
	"github.com/meshvpn/meshd/pkg/tlsconfig"
	"github.com/rs/zerolog"
)

// Daemon wires a *mesh.Comm to its TLS context, peer allowlist, and
// optional event journal, the way pkg/atlas.Server wires api0.Handler to
// its stores and HTTP surface.
type Daemon struct {
	Logger zerolog.Logger

	cfg     *Config
	comm    *mesh.Comm
	allow   *peerfw.List
	journal *journaldb.DB

	mu     sync.Mutex
	reload []func() error
	closed bool
}

// New configures a Daemon using c, assumed already populated by
// UnmarshalEnv. It performs the fatal-at-startup checks spec §7(a)/(b)
// describe: configuration errors and TLS context errors.
func New(c *Config) (*Daemon, error) {
	logger := newLogger(c)

	method := tlsconfig.MethodSSLv23
	if strings.EqualFold(c.SSLMethod, "tls") {
		method = tlsconfig.MethodTLS
	}
	tlsCfg, err := tlsconfig.Build(tlsconfig.Config{
		CertFile: c.Cert,
		KeyFile:  c.Key,
		CAFile:   c.CACert,
		DHFile:   c.DH,
		KeyPass:  c.KeyPass,
		Method:   method,
	})
	if err != nil {
		return nil, fmt.Errorf("build tls context: %w", err)
	}

	allow, err := peerfw.New(strings.Join(c.PeerAllow, ","))
	if err != nil {
		return nil, fmt.Errorf("parse peer allowlist: %w", err)
	}

	var journal *journaldb.DB
	if c.JournalDB != "" {
		journal, err = openJournal(c.JournalDB)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	route := newNullRoute(logger, journal)
	opts := mesh.Options{
		MaxConnections: c.MaxConnections,
		ListenBacklog:  c.ListenBacklog,
		MTU:            c.ConnMTU,
		MaxDataQueue:   c.MaxDataQueue,
		MaxProtoQueue:  c.MaxProtoQueue,
		Intervals: mesh.Intervals{
			Retry:     c.ConnRetry,
			Keepalive: c.ConnKeepalive,
			Timeout:   c.ConnTimeout,
		},
		CloseTimeout:   c.CommCloseTimeout,
		DriverInterval: mesh.DefaultOptions.DriverInterval,
	}
	comm := mesh.New(opts, tlsCfg, route, allow, logger)

	d := &Daemon{Logger: logger, cfg: c, comm: comm, allow: allow, journal: journal}

	for _, addr := range c.Listen {
		if err := comm.Listen(addr); err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
	}
	for _, addr := range c.Connect {
		if _, err := comm.Connect(addr); err != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
	}

	d.reload = append(d.reload, func() error {
		return d.allow.Set(strings.Join(d.cfg.PeerAllow, ","))
	})

	return d, nil
}

// newLogger builds the daemon's logger, matching pkg/atlas/config.go's
// LogStdout/LogStdoutPretty split: a plain JSON writer normally, or a
// zerolog.ConsoleWriter when pretty output is requested.
func newLogger(c *Config) zerolog.Logger {
	var w io.Writer = os.Stderr
	if c.LogStdoutPretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(c.LogLevel)
}

func openJournal(path string) (*journaldb.DB, error) {
	db, err := journaldb.Open(path)
	if err != nil {
		return nil, err
	}
	cur, to, err := db.Version()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("get version: %w", err)
	}
	if cur > to {
		db.Close()
		return nil, fmt.Errorf("database version %d is too new", cur)
	}
	if cur != to {
		if err := db.MigrateUp(context.Background(), to); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate %d to %d: %w", cur, to, err)
		}
	}
	return db, nil
}

// Comm exposes the underlying mesh.Comm, e.g. for the debug monitor/metrics
// HTTP handlers wired in cmd/meshd.
func (d *Daemon) Comm() *mesh.Comm { return d.comm }

// Run starts the connection core and blocks until ctx is cancelled or an
// unrecoverable error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		if d.journal != nil {
			d.journal.Close()
		}
	}()

	if d.journal != nil {
		go d.archiveLoop(ctx)
	}

	err := d.comm.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown drains every active connection gracefully (spec §8 scenario 2).
func (d *Daemon) Shutdown(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.comm.Shutdown(ctx)
}

// HandleSIGHUP re-applies reloadable configuration (currently: the peer
// allowlist), mirroring pkg/atlas.Server.HandleSIGHUP's reload-function
// list without the systemd notify-socket integration (out of scope here).
// The values come from the Config the Daemon was built with; neither the
// environment nor the env_file is read again.
func (d *Daemon) HandleSIGHUP() {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	for _, fn := range d.reload {
		if fn == nil {
			continue
		}
		if err := fn(); err != nil {
			d.Logger.Warn().Err(err).Msg("reload")
		}
	}
}

// archiveLoop periodically compresses journal rows older than a week
// into dated archive files under cfg.JournalArchiveDir, then prunes them
// from the live table. Failures are logged, never fatal — this is
// housekeeping, not part of the connection core's error model (§7).
func (d *Daemon) archiveLoop(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := archiveAndPrune(d.journal, d.cfg.JournalArchiveDir, time.Now().Add(-7*24*time.Hour))
			if err != nil {
				d.Logger.Warn().Err(err).Msg("archive journal")
				continue
			}
			if n > 0 {
				d.Logger.Debug().Int("rows", n).Msg("archived and pruned journal")
			}
		}
	}
}
