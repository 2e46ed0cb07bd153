package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmansell/quotewatch/internal/status"
)

// Cycle result labels.
const (
	resultSuccess = "success"
	resultNoData  = "no_data"
	resultError   = "error"
)

// PrometheusSink exports the per-source status feed as Prometheus metrics. It
// owns all collectors for active sources, cycle results, and stored records.
type PrometheusSink struct {
	sourcesActive prometheus.Gauge
	cyclesTotal   *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	recordsStored *prometheus.CounterVec

	tracker *sourceTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sourcesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotewatch_sources_active",
			Help: "Sources currently in the scraping phase.",
		}),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewatch_cycles_total",
			Help: "Completed crawl cycles partitioned by category and result.",
		}, []string{"category", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotewatch_cycle_duration_seconds",
			Help:    "Wall time per completed crawl cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		recordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewatch_records_stored_total",
			Help: "Records persisted, partitioned by category.",
		}, []string{"category"}),
		tracker: newSourceTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sourcesActive,
		s.cyclesTotal,
		s.cycleDuration,
		s.recordsStored,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register status collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []status.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt status.Event) {
	switch evt.State {
	case status.StateScraping:
		if s.tracker.enter(evt.SourceKey()) {
			s.sourcesActive.Inc()
		}
	case status.StateSleeping, status.StateError:
		if s.tracker.leave(evt.SourceKey()) {
			s.sourcesActive.Dec()
		}
		s.observeCycle(evt)
	}
}

func (s *PrometheusSink) observeCycle(evt status.Event) {
	result := resultError
	if evt.State == status.StateSleeping {
		if evt.Stored > 0 {
			result = resultSuccess
		} else {
			result = resultNoData
		}
	}
	s.cyclesTotal.WithLabelValues(evt.Category, result).Inc()
	if evt.Dur > 0 {
		s.cycleDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if evt.Stored > 0 {
		s.recordsStored.WithLabelValues(evt.Category).Add(float64(evt.Stored))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sourceTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newSourceTracker() *sourceTracker {
	return &sourceTracker{active: make(map[string]struct{})}
}

func (t *sourceTracker) enter(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; ok {
		return false
	}
	t.active[key] = struct{}{}
	return true
}

func (t *sourceTracker) leave(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; !ok {
		return false
	}
	delete(t.active, key)
	return true
}
