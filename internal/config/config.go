// Package config loads and validates quotewatch configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmansell/quotewatch/internal/market"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig            `mapstructure:"server"`
	Logging LoggingConfig           `mapstructure:"logging"`
	Crawler CrawlerConfig           `mapstructure:"crawler"`
	Store   StoreConfig             `mapstructure:"store"`
	Publish PublishConfig           `mapstructure:"publish"`
	Archive ArchiveConfig           `mapstructure:"archive"`
	Sources map[string]SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls the observation HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs the crawl cycle state machine and the scheduler.
type CrawlerConfig struct {
	MaxConcurrent          int           `mapstructure:"max_concurrent"`
	PrimaryTimeout         time.Duration `mapstructure:"primary_timeout"`
	FallbackTimeout        time.Duration `mapstructure:"fallback_timeout"`
	MaxRetries             int           `mapstructure:"max_retries"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay"`
	NoDataBackoff          time.Duration `mapstructure:"no_data_backoff"`
	SwitchThreshold        int           `mapstructure:"switch_threshold"`
	PrimaryReprobeInterval time.Duration `mapstructure:"primary_reprobe_interval"`
	UserAgent              string        `mapstructure:"user_agent"`
	HeadlessDomainQPS      float64       `mapstructure:"headless_domain_qps"`
}

// StoreConfig configures the dual-backend record store.
type StoreConfig struct {
	MaxRecords    int            `mapstructure:"max_records"`
	ProbeInterval time.Duration  `mapstructure:"probe_interval"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
	File          FileConfig     `mapstructure:"file"`
}

// PostgresConfig controls the preferred (Postgres) store backend. An empty DSN
// disables the backend; the store then runs on the file backend alone.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// FileConfig controls the durable local fallback backend.
type FileConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PublishConfig selects the post-push notification channel.
type PublishConfig struct {
	Provider  string `mapstructure:"provider"` // none | memory | pubsub
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig selects where pages from totally failed runs are archived.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"` // none | local | gcs
	Bucket   string `mapstructure:"bucket"`
	BaseDir  string `mapstructure:"base_dir"`
}

// SourceConfig describes one category's target and the regions it is crawled
// for. The URL may contain a {region} placeholder.
type SourceConfig struct {
	URL            string   `mapstructure:"url"`
	Regions        []string `mapstructure:"regions"`
	PollIntervalMs int      `mapstructure:"poll_interval_ms"`
	RowHint        string   `mapstructure:"row_hint"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUOTEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.max_concurrent", 2)
	v.SetDefault("crawler.primary_timeout", "45s")
	v.SetDefault("crawler.fallback_timeout", "20s")
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.retry_base_delay", "2s")
	v.SetDefault("crawler.no_data_backoff", "30m")
	v.SetDefault("crawler.switch_threshold", 5)
	v.SetDefault("crawler.primary_reprobe_interval", "6h")
	v.SetDefault("crawler.user_agent", "quotewatch/1.0 (+https://github.com/jmansell/quotewatch)")
	v.SetDefault("crawler.headless_domain_qps", 0.5)
	v.SetDefault("store.max_records", 99)
	v.SetDefault("store.probe_interval", "30s")
	v.SetDefault("store.postgres.table", "quote_snapshots")
	v.SetDefault("store.file.base_dir", "data/quotes")
	v.SetDefault("publish.provider", "memory")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.base_dir", "data/archive")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.MaxConcurrent <= 0 {
		return fmt.Errorf("crawler.max_concurrent must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.PrimaryTimeout <= 0 {
		return fmt.Errorf("crawler.primary_timeout must be > 0")
	}
	if c.Store.MaxRecords <= 0 {
		return fmt.Errorf("store.max_records must be > 0")
	}
	if c.Store.File.BaseDir == "" {
		return fmt.Errorf("store.file.base_dir is required")
	}
	switch c.Publish.Provider {
	case "", "none", "memory":
	case "pubsub":
		if c.Publish.ProjectID == "" || c.Publish.Topic == "" {
			return fmt.Errorf("publish.project_id and publish.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("unknown publish provider %q", c.Publish.Provider)
	}
	switch c.Archive.Provider {
	case "", "none", "local":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for gcs")
		}
	default:
		return fmt.Errorf("unknown archive provider %q", c.Archive.Provider)
	}
	for name, src := range c.Sources {
		if src.URL == "" {
			return fmt.Errorf("sources.%s.url is required", name)
		}
		if len(src.Regions) == 0 {
			return fmt.Errorf("sources.%s.regions must not be empty", name)
		}
		if src.PollIntervalMs <= 0 {
			return fmt.Errorf("sources.%s.poll_interval_ms must be > 0", name)
		}
	}
	return nil
}

// ExpandSources flattens the category map into one Source per
// (category, region) pair, in deterministic order.
func (c Config) ExpandSources() []market.Source {
	categories := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		categories = append(categories, name)
	}
	sort.Strings(categories)

	var out []market.Source
	for _, category := range categories {
		sc := c.Sources[category]
		for _, region := range sc.Regions {
			out = append(out, market.Source{
				Category:     category,
				Region:       region,
				URL:          strings.ReplaceAll(sc.URL, "{region}", region),
				PollInterval: time.Duration(sc.PollIntervalMs) * time.Millisecond,
				RowHint:      sc.RowHint,
			})
		}
	}
	return out
}
