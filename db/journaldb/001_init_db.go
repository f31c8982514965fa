package journaldb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE connection_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			conn_id     INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			remote_addr TEXT NOT NULL DEFAULT '',
			detail      TEXT NOT NULL DEFAULT '',
			at          INTEGER NOT NULL
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create connection_events table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX connection_events_conn_idx ON connection_events(conn_id, at)`); err != nil {
		return fmt.Errorf("create connection_events index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX connection_events_conn_idx`); err != nil {
		return fmt.Errorf("drop connection_events_conn_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE connection_events`); err != nil {
		return fmt.Errorf("drop connection_events table: %w", err)
	}
	return nil
}
