// Package journaldb implements an optional sqlite3 journal of connection
// lifecycle events (connect/activate/reset/retry), for postmortem
// diagnostics on a running mesh daemon (spec §9's open question on
// persistence, resolved as a supplemented feature per original_source/'s
// journal.log). Adapted from db/atlasdb: same sqlx+go-sqlite3 WAL-mode DSN
// and hand-rolled migration pattern, storing events instead of accounts.
package journaldb

import (
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB journals connection lifecycle events to a sqlite3 file.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename. As in atlasdb, WAL
// mode and a larger cache keep appends fast under a busy daemon.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// Kind identifies the sort of lifecycle event recorded.
type Kind string

const (
	KindConnect  Kind = "connect"  // outbound dial started or inbound accepted
	KindActivate Kind = "activate" // handshake completed, connection active
	KindRetry    Kind = "retry"    // retry_timeout elapsed, redial attempted
	KindReset    Kind = "reset"    // connection torn down
)

// Event is one row of the connection_events table.
type Event struct {
	ID         int64     `db:"id"`
	ConnID     int       `db:"conn_id"`
	Kind       string    `db:"kind"`
	RemoteAddr string    `db:"remote_addr"`
	Detail     string    `db:"detail"`
	At         time.Time `db:"at"`
}

// Record appends one lifecycle event.
func (db *DB) Record(connID int, kind Kind, remoteAddr, detail string) error {
	_, err := db.x.NamedExec(`
		INSERT INTO connection_events (conn_id, kind, remote_addr, detail, at)
		VALUES (:conn_id, :kind, :remote_addr, :detail, :at)
	`, map[string]any{
		"conn_id":     connID,
		"kind":        string(kind),
		"remote_addr": remoteAddr,
		"detail":      detail,
		"at":          time.Now().UTC().Unix(),
	})
	return err
}

// Recent returns the most recent n events for a connection id, newest
// first.
func (db *DB) Recent(connID, n int) ([]Event, error) {
	var rows []struct {
		ID         int64  `db:"id"`
		ConnID     int    `db:"conn_id"`
		Kind       string `db:"kind"`
		RemoteAddr string `db:"remote_addr"`
		Detail     string `db:"detail"`
		At         int64  `db:"at"`
	}
	if err := db.x.Select(&rows, `
		SELECT id, conn_id, kind, remote_addr, detail, at
		FROM connection_events WHERE conn_id = ?
		ORDER BY at DESC, id DESC LIMIT ?
	`, connID, n); err != nil {
		return nil, err
	}
	out := make([]Event, len(rows))
	for i, r := range rows {
		out[i] = Event{
			ID:         r.ID,
			ConnID:     r.ConnID,
			Kind:       r.Kind,
			RemoteAddr: r.RemoteAddr,
			Detail:     r.Detail,
			At:         time.Unix(r.At, 0).UTC(),
		}
	}
	return out, nil
}

// Prune deletes events older than before, called periodically so the
// journal doesn't grow unbounded on a long-lived daemon.
func (db *DB) Prune(before time.Time) (int64, error) {
	res, err := db.x.Exec(`DELETE FROM connection_events WHERE at < ?`, before.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExportBefore returns every event older than before, oldest first, so a
// caller can archive them (e.g. compressed to a file) before Prune
// deletes the rows.
func (db *DB) ExportBefore(before time.Time) ([]Event, error) {
	var rows []struct {
		ID         int64  `db:"id"`
		ConnID     int    `db:"conn_id"`
		Kind       string `db:"kind"`
		RemoteAddr string `db:"remote_addr"`
		Detail     string `db:"detail"`
		At         int64  `db:"at"`
	}
	if err := db.x.Select(&rows, `
		SELECT id, conn_id, kind, remote_addr, detail, at
		FROM connection_events WHERE at < ?
		ORDER BY at ASC, id ASC
	`, before.UTC().Unix()); err != nil {
		return nil, err
	}
	out := make([]Event, len(rows))
	for i, r := range rows {
		out[i] = Event{
			ID:         r.ID,
			ConnID:     r.ConnID,
			Kind:       r.Kind,
			RemoteAddr: r.RemoteAddr,
			Detail:     r.Detail,
			At:         time.Unix(r.At, 0).UTC(),
		}
	}
	return out, nil
}
