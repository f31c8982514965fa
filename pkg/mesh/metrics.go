package mesh

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/meshvpn/meshd/pkg/meshmetrics"
)

// metricsSink wraps a private VictoriaMetrics set so multiple Comm
// instances in the same process (e.g. in tests) don't collide on the
// global registry, following pkg/nspkt/listener.go's pattern of exposing
// a WritePrometheus method rather than registering against
// metrics.DefaultSet.
type metricsSink struct {
	set *metrics.Set
}

func newMetricsSink() *metricsSink {
	return &metricsSink{set: metrics.NewSet()}
}

func (m *metricsSink) stateTransition(from, to State) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(meshmetrics.FormatName("mesh_state_transition_total", "from", from.String(), "to", to.String())).Inc()
}

func (m *metricsSink) egressDrop(queue string) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(meshmetrics.FormatName("mesh_egress_drop_total", "queue", queue)).Inc()
}

func (m *metricsSink) oversizedDrop(frameType string) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(meshmetrics.FormatName("mesh_oversized_drop_total", "type", frameType)).Inc()
}

func (m *metricsSink) protocolError() {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(meshmetrics.FormatName("mesh_protocol_error_total")).Inc()
}

func (m *metricsSink) ioError(op string) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(meshmetrics.FormatName("mesh_io_error_total", "op", op)).Inc()
}

func (m *metricsSink) acceptRefused(reason string) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(meshmetrics.FormatName("mesh_accept_refused_total", "reason", reason)).Inc()
}

// WritePrometheus renders every metric tracked by this Comm's connections
// in Prometheus text exposition format.
func (m *metricsSink) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.set.WritePrometheus(w)
}
