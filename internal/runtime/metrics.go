package runtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/streamflow/internal/runtime/channel"
)

// ChannelMetrics records channel activity in Prometheus and keeps per-channel
// counters for snapshots.
type ChannelMetrics struct {
	mu       sync.RWMutex
	channels map[string]*ChannelStats

	deliveredTotal    *prometheus.CounterVec
	decodeErrorsTotal *prometheus.CounterVec
	sentTotal         *prometheus.CounterVec
	publishSeconds    *prometheus.HistogramVec
	declaresTotal     *prometheus.CounterVec
	ackedTotal        *prometheus.CounterVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

// ChannelStats holds the counters of one channel.
type ChannelStats struct {
	Delivered    uint64    `json:"delivered"`
	DecodeErrors uint64    `json:"decode_errors"`
	Sent         uint64    `json:"sent"`
	SendFailures uint64    `json:"send_failures"`
	Declares     uint64    `json:"declares"`
	Acked        uint64    `json:"acked"`
	LastUpdated  time.Time `json:"last_updated"`
}

// MetricsSnapshot is a point-in-time copy of all channel counters.
type MetricsSnapshot struct {
	Channels    map[string]ChannelStats `json:"channels"`
	CollectedAt time.Time               `json:"collected_at"`
}

var _ channel.Observer = (*ChannelMetrics)(nil)

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamflow",
			Subsystem: "channel",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewChannelMetrics creates the collectors. A nil registerer uses the
// Prometheus default registry.
func NewChannelMetrics(registerer prometheus.Registerer) *ChannelMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &ChannelMetrics{
		channels:          make(map[string]*ChannelStats),
		registerer:        registerer,
		gatherer:          gatherer,
		deliveredTotal:    newCounterVec("delivered_total", "Events decoded and buffered for consumers", "channel"),
		decodeErrorsTotal: newCounterVec("decode_errors_total", "Records that could not be decoded", "channel"),
		sentTotal:         newCounterVec("sent_total", "Records handed to the transport", "channel", "outcome"),
		publishSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamflow",
			Subsystem: "channel",
			Name:      "publish_duration_seconds",
			Help:      "Time until the transport confirmed a record",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		declaresTotal: newCounterVec("declares_total", "Topic declarations by outcome", "channel", "outcome"),
		ackedTotal:    newCounterVec("acked_total", "Events acknowledged by consumers", "channel"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *ChannelMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.deliveredTotal,
		m.decodeErrorsTotal,
		m.sentTotal,
		m.publishSeconds,
		m.declaresTotal,
		m.ackedTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the registry the collectors were registered with.
func (m *ChannelMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *ChannelMetrics) update(label string, fn func(*ChannelStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.channels[label]
	if !ok {
		stats = &ChannelStats{}
		m.channels[label] = stats
	}
	fn(stats)
	stats.LastUpdated = time.Now()
}

func (m *ChannelMetrics) Delivered(label string) {
	m.update(label, func(s *ChannelStats) { s.Delivered++ })
	m.deliveredTotal.WithLabelValues(label).Inc()
}

func (m *ChannelMetrics) DecodeFailed(label string, _ error) {
	m.update(label, func(s *ChannelStats) { s.DecodeErrors++ })
	m.decodeErrorsTotal.WithLabelValues(label).Inc()
}

func (m *ChannelMetrics) Sent(label string, elapsed time.Duration, err error) {
	m.update(label, func(s *ChannelStats) {
		if err != nil {
			s.SendFailures++
			return
		}
		s.Sent++
	})
	m.sentTotal.WithLabelValues(label, outcome(err)).Inc()
	m.publishSeconds.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (m *ChannelMetrics) Declared(label string, err error) {
	m.update(label, func(s *ChannelStats) { s.Declares++ })
	m.declaresTotal.WithLabelValues(label, outcome(err)).Inc()
}

func (m *ChannelMetrics) Acked(label string) {
	m.update(label, func(s *ChannelStats) { s.Acked++ })
	m.ackedTotal.WithLabelValues(label).Inc()
}

// Snapshot returns a copy of the per-channel counters.
func (m *ChannelMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Channels:    make(map[string]ChannelStats, len(m.channels)),
		CollectedAt: time.Now(),
	}
	for label, stats := range m.channels {
		snap.Channels[label] = *stats
	}
	return snap
}

// Reset clears every counter (useful for testing).
func (m *ChannelMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels = make(map[string]*ChannelStats)
	m.deliveredTotal.Reset()
	m.decodeErrorsTotal.Reset()
	m.sentTotal.Reset()
	m.publishSeconds.Reset()
	m.declaresTotal.Reset()
	m.ackedTotal.Reset()
}
