package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "quote-updates", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "quote-updates", msgs[0].Topic)
	require.Equal(t, "other", msgs[1].Topic)

	// Messages returns a copy, not the internal slice.
	msgs[0].Topic = "modified"
	require.Equal(t, "quote-updates", pub.Messages()[0].Topic)
}
