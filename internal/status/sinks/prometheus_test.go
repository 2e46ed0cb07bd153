package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jmansell/quotewatch/internal/status"
)

func TestPrometheusSinkTracksActiveSources(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, []status.Event{
		event("commodities", "us", status.StateScraping),
		event("bonds", "eu", status.StateScraping),
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.sourcesActive))

	// Repeated scraping events for the same source do not double count.
	require.NoError(t, sink.Consume(ctx, []status.Event{
		event("commodities", "us", status.StateScraping),
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.sourcesActive))

	require.NoError(t, sink.Consume(ctx, []status.Event{
		event("commodities", "us", status.StateSleeping),
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sourcesActive))
}

func TestPrometheusSinkCountsCycleResults(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	ctx := context.Background()

	success := event("commodities", "us", status.StateSleeping)
	success.Stored = 7
	success.Dur = 12 * time.Second

	noData := event("commodities", "us", status.StateSleeping)

	failed := event("bonds", "eu", status.StateError)
	failed.Dur = 3 * time.Second

	require.NoError(t, sink.Consume(ctx, []status.Event{success, noData, failed}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesTotal.WithLabelValues("commodities", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesTotal.WithLabelValues("commodities", "no_data")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesTotal.WithLabelValues("bonds", "error")))
	require.Equal(t, 7.0, testutil.ToFloat64(sink.recordsStored.WithLabelValues("commodities")))
}

func TestPrometheusSinkDoubleRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
