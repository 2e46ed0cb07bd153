// Package cycle implements the per-source crawl loop: scrape with retries,
// fall back to the alternate backend, persist, report status, sleep, repeat.
package cycle

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmansell/quotewatch/internal/extract"
	"github.com/jmansell/quotewatch/internal/market"
	"github.com/jmansell/quotewatch/internal/status"
)

// Pusher persists extracted quotes for a category and reports how many were
// written plus the category total after rotation.
type Pusher interface {
	Push(ctx context.Context, category string, records []market.Quote) (stored, total int, err error)
}

// Gate admits a cycle into its scraping phase. Implementations bound the
// number of concurrently scraping sources; Wait blocks until a slot is free or
// the context finishes.
type Gate interface {
	Wait(ctx context.Context) error
}

// Config carries the retry, backoff and adaptive-switch tuning for one cycle.
type Config struct {
	// PrimaryTimeout bounds each primary extraction attempt.
	PrimaryTimeout time.Duration
	// FallbackTimeout bounds each fallback extraction attempt.
	FallbackTimeout time.Duration
	// MaxRetries is the number of attempts against the preferred backend
	// before the alternate backend is tried once.
	MaxRetries int
	// RetryBaseDelay seeds the exponential backoff between preferred-backend
	// attempts: base*2^attempt.
	RetryBaseDelay time.Duration
	// NoDataBackoff replaces the poll interval after a run in which neither
	// backend produced a single persisted record.
	NoDataBackoff time.Duration
	// SwitchThreshold is the number of consecutive runs in which the primary
	// backend fully failed before the cycle prefers the fallback.
	SwitchThreshold int
	// PrimaryReprobeInterval is how long a switched cycle waits before giving
	// the primary backend another try. Zero disables re-probing.
	PrimaryReprobeInterval time.Duration
}

func (c Config) validate() error {
	if c.PrimaryTimeout <= 0 || c.FallbackTimeout <= 0 {
		return fmt.Errorf("extraction timeouts must be > 0")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be >= 1")
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be > 0")
	}
	if c.NoDataBackoff <= 0 {
		return fmt.Errorf("no-data backoff must be > 0")
	}
	if c.SwitchThreshold < 1 {
		return fmt.Errorf("switch threshold must be >= 1")
	}
	return nil
}

// Sleeper blocks for the given duration or until the context finishes,
// returning false on cancellation. Injected so tests observe backoff delays
// without waiting them out.
type Sleeper func(ctx context.Context, d time.Duration) bool

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Cycle drives one source. All mutable counters (failure streak, backend
// preference) live here and reset when the loop exits.
type Cycle struct {
	src      market.Source
	cfg      Config
	primary  market.Extractor
	fallback market.Extractor
	store    Pusher
	gate     Gate
	emitter  status.Emitter
	archive  market.BlobStore
	hasher   market.Hasher
	clock    market.Clock
	idGen    market.IDGenerator
	sleep    Sleeper
	logger   *zap.Logger

	preferFallback bool
	primaryStreak  int
	lastProbe      time.Time
}

// New builds a cycle for one source. The archive store may be nil; everything
// else is required.
func New(
	src market.Source,
	cfg Config,
	primary market.Extractor,
	fallback market.Extractor,
	store Pusher,
	gate Gate,
	emitter status.Emitter,
	archive market.BlobStore,
	hasher market.Hasher,
	clock market.Clock,
	idGen market.IDGenerator,
	logger *zap.Logger,
) (*Cycle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if src.URL == "" || src.Category == "" || src.Region == "" {
		return nil, fmt.Errorf("source %q is incomplete", src.Key())
	}
	if src.PollInterval <= 0 {
		return nil, fmt.Errorf("source %q: poll interval must be > 0", src.Key())
	}
	if primary == nil || fallback == nil {
		return nil, fmt.Errorf("both extraction backends are required")
	}
	if store == nil || gate == nil || emitter == nil {
		return nil, fmt.Errorf("store, gate and emitter are required")
	}
	if hasher == nil || clock == nil || idGen == nil {
		return nil, fmt.Errorf("hasher, clock and id generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cycle{
		src:      src,
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		store:    store,
		gate:     gate,
		emitter:  emitter,
		archive:  archive,
		hasher:   hasher,
		clock:    clock,
		idGen:    idGen,
		sleep:    sleepContext,
		logger:   logger.With(zap.String("source", src.Key())),
	}, nil
}

// Run polls the source until the context finishes. Each iteration waits for a
// scheduler slot, runs one scrape-persist pass, then sleeps the poll interval,
// or the no-data backoff when both backends came up empty.
func (c *Cycle) Run(ctx context.Context) {
	defer func() {
		c.preferFallback = false
		c.primaryStreak = 0
	}()

	c.emit(status.Event{State: status.StateIdle})

	for {
		if err := c.gate.Wait(ctx); err != nil {
			return
		}
		wait := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if !c.sleep(ctx, wait) {
			return
		}
	}
}

// runOnce executes a single cycle run and returns the duration to sleep
// before the next one.
func (c *Cycle) runOnce(ctx context.Context) time.Duration {
	start := c.clock.Now()
	runID, err := c.idGen.NewID()
	if err != nil {
		c.logger.Warn("run id generation failed", zap.Error(err))
	}
	c.emit(status.Event{State: status.StateScraping, RunID: runID})

	preferred, alternate := c.pickBackends()

	var lastPage []byte
	stored, total, page, err := c.attemptWithRetries(ctx, preferred, runID)
	if page != nil {
		lastPage = page
	}
	if ctx.Err() != nil {
		return 0
	}

	served := preferred
	if stored == 0 {
		c.recordOutcome(preferred, false)
		var ferr error
		stored, total, page, ferr = c.attempt(ctx, alternate, runID)
		if page != nil {
			lastPage = page
		}
		if ctx.Err() != nil {
			return 0
		}
		served = alternate
		if ferr != nil {
			err = fmt.Errorf("%s: %v; %s: %v", preferred, err, alternate, ferr)
		} else if stored == 0 && err == nil {
			err = fmt.Errorf("both backends returned zero records")
		}
	} else {
		c.recordOutcome(preferred, true)
	}

	dur := c.clock.Now().Sub(start)

	if stored == 0 {
		c.archivePage(ctx, runID, lastPage)
		note := "no records extracted"
		if err != nil {
			note = err.Error()
		}
		c.logger.Warn("run produced no records, backing off",
			zap.String("run_id", runID),
			zap.Duration("backoff", c.cfg.NoDataBackoff),
			zap.Error(err))
		c.emit(status.Event{
			State:        status.StateError,
			RunID:        runID,
			TotalRecords: total,
			Dur:          dur,
			Note:         note,
		})
		return c.cfg.NoDataBackoff
	}

	c.logger.Info("run complete",
		zap.String("run_id", runID),
		zap.String("method", string(served)),
		zap.Int("stored", stored),
		zap.Int("total", total),
		zap.Duration("dur", dur))
	c.emit(status.Event{
		State:        status.StateSleeping,
		RunID:        runID,
		TotalRecords: total,
		Stored:       stored,
		Dur:          dur,
	})
	return c.src.PollInterval
}

// pickBackends decides attempt order for this run. After SwitchThreshold
// consecutive whole-run primary failures the fallback becomes preferred and
// the primary is skipped, except for a periodic re-probe run.
func (c *Cycle) pickBackends() (preferred, alternate market.Method) {
	if !c.preferFallback {
		return market.MethodPrimary, market.MethodFallback
	}
	if c.cfg.PrimaryReprobeInterval > 0 {
		now := c.clock.Now()
		if now.Sub(c.lastProbe) >= c.cfg.PrimaryReprobeInterval {
			c.lastProbe = now
			c.logger.Info("re-probing primary backend")
			return market.MethodPrimary, market.MethodFallback
		}
	}
	return market.MethodFallback, market.MethodFallback
}

// recordOutcome updates the adaptive-switch counters after the preferred
// backend either served the run or fully failed it.
func (c *Cycle) recordOutcome(preferred market.Method, ok bool) {
	if preferred != market.MethodPrimary {
		return
	}
	if ok {
		if c.preferFallback {
			c.logger.Info("primary backend recovered, preferring it again")
		}
		c.preferFallback = false
		c.primaryStreak = 0
		return
	}
	c.primaryStreak++
	if !c.preferFallback && c.primaryStreak >= c.cfg.SwitchThreshold {
		c.preferFallback = true
		c.lastProbe = c.clock.Now()
		c.logger.Warn("primary backend failing consistently, switching to fallback",
			zap.Int("streak", c.primaryStreak))
	}
}

// attemptWithRetries runs up to MaxRetries attempts against the given backend
// with an exponential backoff sleep after each failed attempt.
func (c *Cycle) attemptWithRetries(ctx context.Context, method market.Method, runID string) (stored, total int, page []byte, err error) {
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		stored, total, page, err = c.attempt(ctx, method, runID)
		if ctx.Err() != nil {
			return 0, 0, page, ctx.Err()
		}
		if stored > 0 {
			return stored, total, page, nil
		}
		delay := c.cfg.RetryBaseDelay * time.Duration(1<<attempt)
		c.logger.Debug("attempt failed, backing off",
			zap.String("method", string(method)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if !c.sleep(ctx, delay) {
			return 0, 0, page, ctx.Err()
		}
	}
	return stored, total, page, err
}

// attempt runs one bounded extraction against the given backend and persists
// whatever it produced.
func (c *Cycle) attempt(ctx context.Context, method market.Method, runID string) (stored, total int, page []byte, err error) {
	ext := c.primary
	timeout := c.cfg.PrimaryTimeout
	if method == market.MethodFallback {
		ext = c.fallback
		timeout = c.cfg.FallbackTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := ext.Extract(attemptCtx, c.src)
	cancel()
	if err != nil {
		return 0, 0, result.Page, fmt.Errorf("extract: %w", err)
	}
	if len(result.Rows) == 0 {
		return 0, 0, result.Page, fmt.Errorf("extraction returned no rows")
	}

	quotes, err := c.toQuotes(result.Rows)
	if err != nil {
		return 0, 0, result.Page, err
	}
	if len(quotes) == 0 {
		return 0, 0, result.Page, fmt.Errorf("no usable rows after mapping")
	}

	stored, total, err = c.store.Push(ctx, c.src.Category, quotes)
	if err != nil {
		return 0, 0, result.Page, fmt.Errorf("persist: %w", err)
	}
	return stored, total, result.Page, nil
}

// toQuotes converts canonical rows into quotes for this source's region,
// hashing the row link when present so the store derives stable identifiers.
func (c *Cycle) toQuotes(rows []market.Row) ([]market.Quote, error) {
	quotes := make([]market.Quote, 0, len(rows))
	for _, row := range rows {
		q := market.Quote{
			Name:      row.Fields[extract.FieldName],
			Region:    c.src.Region,
			Last:      row.Fields[extract.FieldLast],
			High:      row.Fields[extract.FieldHigh],
			Low:       row.Fields[extract.FieldLow],
			Change:    row.Fields[extract.FieldChange],
			ChangePct: row.Fields[extract.FieldChangePct],
			ScrapedAt: c.clock.Now(),
		}
		if q.Name == "" {
			continue
		}
		if row.Link != "" {
			sum, err := c.hasher.Hash([]byte(row.Link))
			if err != nil {
				return nil, fmt.Errorf("hash row link: %w", err)
			}
			q.LinkHash = sum
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// archivePage uploads the last raw page of a fully failed run for later
// diagnosis. Best effort.
func (c *Cycle) archivePage(ctx context.Context, runID string, page []byte) {
	if c.archive == nil || len(page) == 0 || ctx.Err() != nil {
		return
	}
	path := fmt.Sprintf("failures/%s/%s/%s.html", c.src.Category, c.src.Region, runID)
	loc, err := c.archive.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(page))
	if err != nil {
		c.logger.Warn("failure page archive failed", zap.Error(err))
		return
	}
	c.logger.Info("archived failure page", zap.String("location", loc))
}

func (c *Cycle) emit(evt status.Event) {
	evt.Category = c.src.Category
	evt.Region = c.src.Region
	evt.TS = c.clock.Now().UTC()
	c.emitter.Emit(evt)
}
