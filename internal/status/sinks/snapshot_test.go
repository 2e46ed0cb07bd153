package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmansell/quotewatch/internal/status"
)

func event(category, region string, state status.State) status.Event {
	return status.Event{
		Category: category,
		Region:   region,
		State:    state,
		TS:       time.Now().UTC(),
	}
}

func TestSnapshotKeepsLatestPerSource(t *testing.T) {
	t.Parallel()

	sink := NewSnapshotSink()
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, []status.Event{
		event("commodities", "us", status.StateScraping),
		event("bonds", "eu", status.StateIdle),
	}))
	require.NoError(t, sink.Consume(ctx, []status.Event{
		event("commodities", "us", status.StateSleeping),
	}))

	snap := sink.Snapshot()
	require.Len(t, snap, 2)
	// Sorted by source key: bonds/eu before commodities/us.
	require.Equal(t, "bonds", snap[0].Category)
	require.Equal(t, status.StateIdle, snap[0].State)
	require.Equal(t, "commodities", snap[1].Category)
	require.Equal(t, status.StateSleeping, snap[1].State)
}

func TestSnapshotEmpty(t *testing.T) {
	t.Parallel()

	sink := NewSnapshotSink()
	require.Empty(t, sink.Snapshot())
	require.NoError(t, sink.Close(context.Background()))
}
