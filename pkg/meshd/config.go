// Package meshd wires the connection core (pkg/mesh), TLS context
// construction (pkg/tlsconfig), the peer allowlist (pkg/peerfw), and the
// optional event journal (db/journaldb) into a runnable daemon, mirroring
// how pkg/atlas wires Atlas's own Config/server.go together.
package meshd

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds every configuration key this daemon consumes. The env
// struct tag gives the environment variable name and its default value
// (or, with a trailing `?`, a default that may be explicitly overridden
// with an empty value) — same convention as pkg/atlas/config.go.
type Config struct {
	// PEM paths for the mutual-TLS mesh protocol, spec §6. All three
	// required; Build fails fast if any is empty.
	Key    string `env:"MESHD_KEY"`
	Cert   string `env:"MESHD_CERT"`
	CACert string `env:"MESHD_CA_CERT"`

	// Passphrase for an encrypted Key, if any.
	KeyPass string `env:"MESHD_KEY_PASS"`

	// "tls" or anything else (SSLv23-less-SSLv2), default SSLv23.
	SSLMethod string `env:"MESHD_SSL_METHOD?=sslv23"`

	// PEM path to DH parameters. Mandatory per spec §6.
	DH string `env:"MESHD_DH"`

	// Addresses to listen on / peer addresses to dial, comma-separated.
	Listen  []string `env:"MESHD_LISTEN"`
	Connect []string `env:"MESHD_CONNECT"`

	// Registry cap and listen(2) backlog.
	MaxConnections int `env:"MESHD_MAX_CONNECTIONS=1024"`
	ListenBacklog  int `env:"MESHD_LISTEN_BACKLOG=32"`

	// Per-frame cap in bytes.
	ConnMTU int `env:"MESHD_CONN_MTU=8192"`

	// Retry/timeout/keepalive intervals.
	ConnRetry     time.Duration `env:"MESHD_CONN_RETRY=10s"`
	ConnTimeout   time.Duration `env:"MESHD_CONN_TIMEOUT=60s"`
	ConnKeepalive time.Duration `env:"MESHD_CONN_KEEPALIVE=5s"`

	// Graceful shutdown grace period.
	CommCloseTimeout time.Duration `env:"MESHD_COMM_CLOSE_TIMEOUT=1s"`

	// Per-connection send queue caps (not in spec.md's table; an
	// implementation detail of pkg/mesh's backpressure policy, spec
	// Open Question (a)).
	MaxDataQueue  int `env:"MESHD_MAX_DATA_QUEUE=256"`
	MaxProtoQueue int `env:"MESHD_MAX_PROTO_QUEUE=64"`

	// Supplemental: static inbound allowlist (pkg/peerfw), comma-separated
	// CIDR prefixes or bare addresses. Empty allows everything.
	PeerAllow []string `env:"MESHD_PEER_ALLOW"`

	// Supplemental: sqlite3 connection-event journal path (db/journaldb).
	// Empty disables the journal.
	JournalDB string `env:"MESHD_JOURNAL_DB"`

	// Directory gzip-compressed journal archives are written to before
	// pruning, if the journal is enabled.
	JournalArchiveDir string `env:"MESHD_JOURNAL_ARCHIVE_DIR?=journal-archive"`

	// Supplemental: debug monitor / metrics HTTP listen address. Empty
	// disables the debug endpoint.
	DebugAddr string `env:"MESHD_DEBUG_ADDR"`

	// The minimum log level (e.g., trace, debug, info, warn, error).
	LogLevel zerolog.Level `env:"MESHD_LOG_LEVEL=info"`

	// Whether to use pretty (console-writer) logs, matching Atlas's
	// LogStdoutPretty toggle.
	LogStdoutPretty bool `env:"MESHD_LOG_STDOUT_PRETTY"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment variables
// into c, setting default values as appropriate. If incremental is true,
// default values are not set for missing env vars, only for empty ones —
// same contract, same reflect-driven field-by-field dispatch, as
// pkg/atlas/config.go's method of the same name.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "MESHD_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
