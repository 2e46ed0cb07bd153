package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmansell/quotewatch/internal/market"
)

func TestNewCreatesMissingDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "quotes")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewRejectsEmptyBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseDir: "  "})
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	snap := market.Snapshot{
		Metadata: market.Metadata{
			Category:     "commodities",
			LastUpdated:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			TotalRecords: 1,
		},
		Records: []market.Quote{{
			ID:        "abc",
			Name:      "Gold",
			Region:    "us",
			Category:  "commodities",
			Last:      "2400",
			ScrapedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		}},
	}
	require.NoError(t, b.Save(ctx, "commodities", snap))

	got, found, err := b.Load(ctx, "commodities")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, snap, got)
}

func TestLoadMissingCategory(t *testing.T) {
	t.Parallel()

	b, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, found, err := b.Load(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLoadCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{oops"), 0o600))

	_, _, err = b.Load(context.Background(), "bad")
	require.Error(t, err)
}

func TestCategoryNameIsSanitized(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "../outside category!", market.Snapshot{}))

	// The snapshot lands inside the base directory as a single flat file.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotContains(t, entries[0].Name(), string(filepath.Separator))

	_, found, err := b.Load(ctx, "../outside category!")
	require.NoError(t, err)
	require.True(t, found)
}

func TestPing(t *testing.T) {
	t.Parallel()

	b, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, b.Ping(context.Background()))
}
