package mesh

import (
	_ "embed"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

//go:embed monitor.html
var monitorHTML []byte

// DebugMonitorHandler returns an HTTP handler serving a live view of every
// connection's Stats snapshot (state, ping estimate, retry count, uptime,
// route count), sent once a second, adapted from pkg/nspkt/monitor.go's
// "connectionless packet monitor" — same HTML page plus `?sse`
// server-sent-events pattern, repurposed from packet traces to connection
// snapshots. Individual state transitions between snapshots are not sent.
func DebugMonitorHandler(m *Comm) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		w.Header().Set("Expires", "0")
		w.Header().Set("Pragma", "no-cache")

		if r.URL.RawQuery != "sse" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Content-Length", strconv.Itoa(len(monitorHTML)))
			w.WriteHeader(http.StatusOK)
			w.Write(monitorHTML)
			return
		}

		f, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "cannot stream events", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		io.WriteString(w, "event: init\ndata: mesh connection monitor\n\n")
		f.Flush()

		t := time.NewTicker(time.Second)
		defer t.Stop()

		e := json.NewEncoder(w)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-t.C:
				io.WriteString(w, "event: snapshot\ndata: ")
				e.Encode(m.Stats())
				io.WriteString(w, "\n")
				f.Flush()
			}
		}
	})
}
