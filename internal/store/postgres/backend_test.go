package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/jmansell/quotewatch/internal/market"
)

func testSnapshot() market.Snapshot {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return market.Snapshot{
		Metadata: market.Metadata{
			Category:     "commodities",
			LastUpdated:  ts,
			TotalRecords: 1,
		},
		Records: []market.Quote{{
			ID:        "abc",
			Name:      "Gold",
			Region:    "us",
			Category:  "commodities",
			Last:      "2400",
			ScrapedAt: ts,
		}},
	}
}

func TestSaveUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b, err := NewWithPool(mock, "quote_snapshots")
	require.NoError(t, err)

	snap := testSnapshot()
	metaJSON, err := json.Marshal(snap.Metadata)
	require.NoError(t, err)
	recordsJSON, err := json.Marshal(snap.Records)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO quote_snapshots").
		WithArgs("commodities", metaJSON, recordsJSON).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, b.Save(context.Background(), "commodities", snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadReturnsSnapshot(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b, err := NewWithPool(mock, "quote_snapshots")
	require.NoError(t, err)

	snap := testSnapshot()
	metaJSON, err := json.Marshal(snap.Metadata)
	require.NoError(t, err)
	recordsJSON, err := json.Marshal(snap.Records)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT metadata, records FROM quote_snapshots").
		WithArgs("commodities").
		WillReturnRows(pgxmock.NewRows([]string{"metadata", "records"}).AddRow(metaJSON, recordsJSON))

	got, found, err := b.Load(context.Background(), "commodities")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, snap, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b, err := NewWithPool(mock, "quote_snapshots")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT metadata, records FROM quote_snapshots").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, found, err := b.Load(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadQueryError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b, err := NewWithPool(mock, "quote_snapshots")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT metadata, records FROM quote_snapshots").
		WithArgs("commodities").
		WillReturnError(errors.New("connection refused"))

	_, _, err = b.Load(context.Background(), "commodities")
	require.Error(t, err)
}

func TestNewWithPoolRejectsInvalidTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "quotes; DROP TABLE")
	require.Error(t, err)
}
