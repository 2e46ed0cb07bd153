package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jmansell/quotewatch/internal/market"
	"github.com/jmansell/quotewatch/internal/status"
)

type fakeQuotes struct {
	snap market.Snapshot
	err  error
}

func (f *fakeQuotes) GetAll(context.Context, string) (market.Snapshot, error) {
	return f.snap, f.err
}

func (f *fakeQuotes) GetByRegion(_ context.Context, _ string, region string) (market.Snapshot, error) {
	if f.err != nil {
		return market.Snapshot{}, f.err
	}
	out := f.snap
	out.Records = nil
	for _, rec := range f.snap.Records {
		if rec.Region == region {
			out.Records = append(out.Records, rec)
		}
	}
	out.Metadata.TotalRecords = len(out.Records)
	return out, nil
}

type fakeStatuses struct {
	events []status.Event
}

func (f *fakeStatuses) Snapshot() []status.Event { return f.events }

func newTestServer(t *testing.T, quotes *fakeQuotes, statuses *fakeStatuses) *Server {
	t.Helper()
	if quotes == nil {
		quotes = &fakeQuotes{}
	}
	if statuses == nil {
		statuses = &fakeStatuses{}
	}
	return NewServer(quotes, statuses, prometheus.NewRegistry(), []string{"commodities"}, nil)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_metric", Help: "test"})
	reg.MustRegister(gauge)
	gauge.Set(1)

	srv := NewServer(&fakeQuotes{}, &fakeStatuses{}, reg, nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test_metric 1")
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	statuses := &fakeStatuses{events: []status.Event{{
		Category:     "commodities",
		Region:       "us",
		State:        status.StateSleeping,
		TS:           time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		TotalRecords: 42,
		Stored:       7,
	}}}
	srv := newTestServer(t, nil, statuses)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sources []sourceStatus `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 1)
	require.Equal(t, "commodities", body.Sources[0].Category)
	require.Equal(t, "sleeping", body.Sources[0].State)
	require.Equal(t, 42, body.Sources[0].TotalRecords)
}

func quoteSnapshot() market.Snapshot {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return market.Snapshot{
		Metadata: market.Metadata{Category: "commodities", LastUpdated: ts, TotalRecords: 2},
		Records: []market.Quote{
			{ID: "a", Name: "Gold", Region: "us", Category: "commodities", Last: "2400", ScrapedAt: ts},
			{ID: "b", Name: "Silver", Region: "eu", Category: "commodities", Last: "29", ScrapedAt: ts},
		},
	}
}

func TestGetQuotes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeQuotes{snap: quoteSnapshot()}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes/commodities", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap market.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Records, 2)
	require.Equal(t, 2, snap.Metadata.TotalRecords)
}

func TestGetQuotesByRegion(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeQuotes{snap: quoteSnapshot()}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes/commodities?region=eu", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap market.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Records, 1)
	require.Equal(t, "eu", snap.Records[0].Region)
}

func TestGetQuotesUnknownCategory(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeQuotes{snap: quoteSnapshot()}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes/unknown", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetQuotesStoreError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeQuotes{err: errors.New("both backends down")}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes/commodities", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
