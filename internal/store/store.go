// Package store implements the dual-backend per-category record store with
// automatic failover and fixed-capacity FIFO rotation.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jmansell/quotewatch/internal/market"
)

// DefaultMaxRecords bounds each category table.
const DefaultMaxRecords = 99

const probeLogInterval = time.Minute

// Config controls Store behavior.
type Config struct {
	// MaxRecords caps each category table (default 99).
	MaxRecords int
	// ProbeInterval is how often the preferred backend is re-probed while
	// marked unavailable (default 30s).
	ProbeInterval time.Duration
	// Topic names the notification channel for post-push publishes.
	Topic string
}

// Store writes quote records through a preferred backend and transparently
// fails over to a durable fallback backend. Pushes to the same category are
// serialized; pushes to different categories proceed independently. No data
// migrates between backends on switch.
type Store struct {
	cfg       Config
	preferred Backend
	fallback  Backend
	publisher market.Publisher
	hasher    market.Hasher
	clock     market.Clock
	logger    *zap.Logger

	preferredUp atomic.Bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	probeLimiter logRateLimiter
	probeDone    chan struct{}
	probeStop    sync.Once
}

// New constructs a Store. fallback is required; preferred may be nil, in which
// case the store runs on the fallback alone. publisher may be nil.
func New(cfg Config, preferred, fallback Backend, publisher market.Publisher, hasher market.Hasher, clock market.Clock, logger *zap.Logger) (*Store, error) {
	if fallback == nil {
		return nil, fmt.Errorf("fallback backend is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	s := &Store{
		cfg:          cfg,
		preferred:    preferred,
		fallback:     fallback,
		publisher:    publisher,
		hasher:       hasher,
		clock:        clock,
		logger:       logger,
		locks:        make(map[string]*sync.Mutex),
		probeLimiter: logRateLimiter{interval: probeLogInterval},
		probeDone:    make(chan struct{}),
	}
	s.preferredUp.Store(preferred != nil)
	return s, nil
}

// StartProbe launches the background health probe for the preferred backend.
// It returns immediately; the probe stops when ctx finishes or Close is called.
func (s *Store) StartProbe(ctx context.Context) {
	if s.preferred == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(s.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.probeDone:
				return
			case <-ticker.C:
				s.probe(ctx)
			}
		}
	}()
}

func (s *Store) probe(ctx context.Context) {
	if s.preferredUp.Load() {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeInterval)
	err := s.preferred.Ping(probeCtx)
	cancel()
	if err != nil {
		// Debounced: a down backend would otherwise log every interval.
		if s.probeLimiter.Allow(s.clock.Now()) {
			s.logger.Debug("preferred backend still unavailable", zap.Error(err))
		}
		return
	}
	s.preferredUp.Store(true)
	s.logger.Info("preferred backend recovered, switching back")
}

// Close stops the probe and closes both backends.
func (s *Store) Close() {
	s.probeStop.Do(func() { close(s.probeDone) })
	if s.preferred != nil {
		s.preferred.Close()
	}
	s.fallback.Close()
}

// Push upserts the records into the category table, assigns missing
// identifiers, enforces capacity, and returns the number of records persisted
// plus the category's total after rotation. A storage failure on the preferred
// backend is absorbed by retrying on the fallback; only a double failure
// surfaces as an error.
func (s *Store) Push(ctx context.Context, category string, records []market.Quote) (int, int, error) {
	if len(records) == 0 {
		return 0, 0, nil
	}
	for i := range records {
		records[i].Category = category
		if records[i].ID == "" {
			id, err := s.recordID(records[i])
			if err != nil {
				return 0, 0, fmt.Errorf("derive record id: %w", err)
			}
			records[i].ID = id
		}
		if records[i].ScrapedAt.IsZero() {
			records[i].ScrapedAt = s.clock.Now()
		}
	}

	lock := s.categoryLock(category)
	lock.Lock()
	defer lock.Unlock()

	snap, err := s.withFailover(ctx, func(ctx context.Context, b Backend) (market.Snapshot, error) {
		return s.merge(ctx, b, category, records)
	})
	if err != nil {
		return 0, 0, err
	}

	s.notify(ctx, category, records)
	return len(records), snap.Metadata.TotalRecords, nil
}

func (s *Store) merge(ctx context.Context, b Backend, category string, records []market.Quote) (market.Snapshot, error) {
	snap, found, err := b.Load(ctx, category)
	if err != nil {
		return market.Snapshot{}, err
	}
	if !found {
		snap = market.Snapshot{Metadata: market.Metadata{Category: category}}
	}

	byID := make(map[string]int, len(snap.Records))
	for i, rec := range snap.Records {
		byID[rec.ID] = i
	}
	for _, rec := range records {
		if i, ok := byID[rec.ID]; ok {
			snap.Records[i] = rec
			continue
		}
		byID[rec.ID] = len(snap.Records)
		snap.Records = append(snap.Records, rec)
	}

	snap.Records = evictOldest(snap.Records, s.cfg.MaxRecords)
	sort.Slice(snap.Records, func(i, j int) bool {
		return snap.Records[i].Name < snap.Records[j].Name
	})

	snap.Metadata = market.Metadata{
		Category:     category,
		LastUpdated:  s.clock.Now(),
		TotalRecords: len(snap.Records),
	}
	if err := b.Save(ctx, category, snap); err != nil {
		return market.Snapshot{}, err
	}
	return snap, nil
}

// evictOldest drops the oldest-by-capture-timestamp records until at capacity.
// Zero (missing/unparseable) timestamps sort first and are evicted first.
func evictOldest(records []market.Quote, max int) []market.Quote {
	if len(records) <= max {
		return records
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ScrapedAt.Before(records[j].ScrapedAt)
	})
	return records[len(records)-max:]
}

// GetAll returns the category snapshot from whichever backend is currently
// available. Unwritten categories yield an empty snapshot with fresh metadata.
func (s *Store) GetAll(ctx context.Context, category string) (market.Snapshot, error) {
	snap, err := s.withFailover(ctx, func(ctx context.Context, b Backend) (market.Snapshot, error) {
		snap, found, err := b.Load(ctx, category)
		if err != nil {
			return market.Snapshot{}, err
		}
		if !found {
			return market.Snapshot{
				Metadata: market.Metadata{Category: category, LastUpdated: s.clock.Now()},
				Records:  []market.Quote{},
			}, nil
		}
		return snap, nil
	})
	if err != nil {
		return market.Snapshot{}, err
	}
	return snap, nil
}

// GetByRegion returns the category's records filtered to one region.
func (s *Store) GetByRegion(ctx context.Context, category, region string) (market.Snapshot, error) {
	snap, err := s.GetAll(ctx, category)
	if err != nil {
		return market.Snapshot{}, err
	}
	filtered := make([]market.Quote, 0, len(snap.Records))
	for _, rec := range snap.Records {
		if rec.Region == region {
			filtered = append(filtered, rec)
		}
	}
	snap.Records = filtered
	snap.Metadata.TotalRecords = len(filtered)
	return snap, nil
}

// withFailover runs op against the current backend, demoting the preferred
// backend on any operational error and retrying once on the fallback.
func (s *Store) withFailover(ctx context.Context, op func(context.Context, Backend) (market.Snapshot, error)) (market.Snapshot, error) {
	if s.preferred != nil && s.preferredUp.Load() {
		snap, err := op(ctx, s.preferred)
		if err == nil {
			return snap, nil
		}
		if ctx.Err() != nil {
			return market.Snapshot{}, err
		}
		s.preferredUp.Store(false)
		s.logger.Warn("preferred backend failed, switching to fallback", zap.Error(err))
	}
	snap, err := op(ctx, s.fallback)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("fallback backend: %w", err)
	}
	return snap, nil
}

// recordID derives the stable identifier from name, region and the optional
// link hash so repeated extraction of the same entity overwrites in place.
func (s *Store) recordID(rec market.Quote) (string, error) {
	key := rec.Name + "|" + rec.Region
	if rec.LinkHash != "" {
		key += "|" + rec.LinkHash
	}
	return s.hasher.Hash([]byte(key))
}

// notify emits the best-effort post-push side channel. Delivery failure never
// fails the push.
func (s *Store) notify(ctx context.Context, category string, records []market.Quote) {
	if s.publisher == nil {
		return
	}
	payload := map[string]any{
		"category": category,
		"count":    len(records),
		"records":  records,
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, payload); err != nil {
		s.logger.Debug("push notification failed", zap.String("category", category), zap.Error(err))
	}
}

func (s *Store) categoryLock(category string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[category]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[category] = lock
	}
	return lock
}

type logRateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *logRateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
