package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 2, cfg.Crawler.MaxConcurrent)
	require.Equal(t, 45*time.Second, cfg.Crawler.PrimaryTimeout)
	require.Equal(t, 3, cfg.Crawler.MaxRetries)
	require.Equal(t, 2*time.Second, cfg.Crawler.RetryBaseDelay)
	require.Equal(t, 30*time.Minute, cfg.Crawler.NoDataBackoff)
	require.Equal(t, 5, cfg.Crawler.SwitchThreshold)
	require.Equal(t, 99, cfg.Store.MaxRecords)
	require.Equal(t, "quote_snapshots", cfg.Store.Postgres.Table)
	require.Equal(t, "memory", cfg.Publish.Provider)
	require.Equal(t, "none", cfg.Archive.Provider)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
crawler:
  max_concurrent: 4
  no_data_backoff: 15m
sources:
  commodities:
    url: "https://example.com/c?region={region}"
    regions: [us, eu]
    poll_interval_ms: 60000
    row_hint: "table.quotes tr"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 4, cfg.Crawler.MaxConcurrent)
	require.Equal(t, 15*time.Minute, cfg.Crawler.NoDataBackoff)
	require.Len(t, cfg.Sources, 1)
	require.Equal(t, []string{"us", "eu"}, cfg.Sources["commodities"].Regions)
}

func TestLoadRejectsInvalidSource(t *testing.T) {
	path := writeConfig(t, `
sources:
  commodities:
    url: ""
    regions: [us]
    poll_interval_ms: 60000
`)
	_, err := Load(path)
	require.Error(t, err)

	path = writeConfig(t, `
sources:
  commodities:
    url: "https://example.com"
    regions: []
    poll_interval_ms: 60000
`)
	_, err = Load(path)
	require.Error(t, err)
}

func TestValidatePublishAndArchiveProviders(t *testing.T) {
	path := writeConfig(t, `
publish:
  provider: pubsub
`)
	_, err := Load(path)
	require.Error(t, err) // missing project/topic

	path = writeConfig(t, `
archive:
  provider: gcs
`)
	_, err = Load(path)
	require.Error(t, err) // missing bucket

	path = writeConfig(t, `
publish:
  provider: carrier-pigeon
`)
	_, err = Load(path)
	require.Error(t, err)
}

func TestExpandSources(t *testing.T) {
	cfg := Config{Sources: map[string]SourceConfig{
		"commodities": {
			URL:            "https://example.com/c/{region}",
			Regions:        []string{"us", "eu"},
			PollIntervalMs: 60000,
			RowHint:        "table tr",
		},
		"bonds": {
			URL:            "https://example.com/bonds",
			Regions:        []string{"us"},
			PollIntervalMs: 120000,
		},
	}}

	sources := cfg.ExpandSources()
	require.Len(t, sources, 3)

	// Categories expand in sorted order, regions in declared order.
	require.Equal(t, "bonds/us", sources[0].Key())
	require.Equal(t, "commodities/us", sources[1].Key())
	require.Equal(t, "commodities/eu", sources[2].Key())

	require.Equal(t, "https://example.com/c/us", sources[1].URL)
	require.Equal(t, "https://example.com/c/eu", sources[2].URL)
	require.Equal(t, time.Minute, sources[1].PollInterval)
	require.Equal(t, 2*time.Minute, sources[0].PollInterval)
}
