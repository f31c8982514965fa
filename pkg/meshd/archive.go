package meshd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/meshvpn/meshd/db/journaldb"
)

// archiveAndPrune exports journal rows older than before to a
// gzip-compressed, newline-delimited-JSON file under dir, then deletes
// those rows from the live table. Mirrors pkg/atlas/server.go's use of
// klauspost/compress/gzip for compressing bytes before they leave hot
// storage — there it's HTTP response bodies, here it's archived journal
// rows.
func archiveAndPrune(db *journaldb.DB, dir string, before time.Time) (int, error) {
	events, err := db.ExportBefore(before)
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	name := filepath.Join(dir, fmt.Sprintf("journal-%s.jsonl.gz", before.UTC().Format("20060102T150405Z")))
	f, err := os.Create(name)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", name, err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	enc := json.NewEncoder(gw)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			gw.Close()
			return 0, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := gw.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", name, err)
	}

	n, err := db.Prune(before)
	return int(n), err
}
