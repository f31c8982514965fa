// Package meshmetrics extends github.com/VictoriaMetrics/metrics with the
// label-formatting convention used across this daemon's counters and
// gauges. It is adapted from the teacher's pkg/metricsx, generalized from
// a single fixed label set to an arbitrary key/value list.
package meshmetrics

import "strings"

// FormatName builds a VictoriaMetrics-compatible metric name with labels,
// e.g. FormatName("mesh_egress_drop_total", "queue", "proto") returns
// `mesh_egress_drop_total{queue="proto"}`. args must be an even-length
// key/value list.
func FormatName(base string, args ...string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	for i := 1; i < len(args); i += 2 {
		if i > 1 {
			b.WriteByte(',')
		}
		b.WriteString(args[i-1])
		b.WriteString("=\"")
		b.WriteString(args[i])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
