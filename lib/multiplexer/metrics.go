package multiplexer

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts frame traffic of a Node. A nil *Metrics records nothing.
type Metrics struct {
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	BytesDropped   *prometheus.CounterVec
	ChannelsOpen   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered, which is handy in tests.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "frames_sent_total",
			Help:      "Frames written to the outbound queue, by frame type.",
		}, []string{"type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "frames_received_total",
			Help:      "Frames decoded from the inbound queue, by frame type.",
		}, []string{"type"}),
		BytesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "bytes_dropped_total",
			Help:      "Inbound bytes discarded while resynchronizing, by reason.",
		}, []string{"reason"}),
		ChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "channels_open",
			Help:      "Channels currently allocated on this side of the pipe.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.FramesSent, m.FramesReceived, m.BytesDropped, m.ChannelsOpen} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register mux metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) sent(t FrameType) {
	if m != nil {
		m.FramesSent.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) received(t FrameType) {
	if m != nil {
		m.FramesReceived.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) dropped(reason DropReason, n int) {
	if m != nil {
		m.BytesDropped.WithLabelValues(string(reason)).Add(float64(n))
	}
}

func (m *Metrics) channels(n int) {
	if m != nil {
		m.ChannelsOpen.Set(float64(n))
	}
}
