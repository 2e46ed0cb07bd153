// Package scheduler bounds how many sources scrape at once. Each source loop
// waits for a slot before its scraping phase and gives it back as soon as the
// loop reports it is sleeping or backing off, so a source holding a slot is
// always actively scraping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jmansell/quotewatch/internal/status"
)

// ErrStopped is returned by slot waits after the scheduler shut down.
var ErrStopped = errors.New("scheduler stopped")

// Runner is one source loop driven to completion by the scheduler.
type Runner interface {
	Run(ctx context.Context)
}

// Job pairs a runner with the slot it scrapes through.
type Job struct {
	Runner Runner
	Slot   *Slot
}

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrent is the number of sources allowed in their scraping phase
	// at the same time.
	MaxConcurrent int
}

// Scheduler admits scraping phases through a fixed pool of slots with FIFO
// ordering among waiters.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	active  int
	waiters []chan struct{}
	stopped bool

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a scheduler.
func New(cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent must be >= 1, got %d", cfg.MaxConcurrent)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, logger: logger}, nil
}

// Slot creates a slot whose status events are forwarded to next. The slot
// releases itself whenever the source reports a sleeping or error transition.
func (s *Scheduler) Slot(next status.Emitter) *Slot {
	return &Slot{sched: s, next: next}
}

// Run starts every job and blocks until all loops return. Cancel the context
// or call StopAll to shut down; both wake any in-flight slot wait.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return ErrStopped
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Int("sources", len(jobs)),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent))

	for _, job := range jobs {
		s.wg.Add(1)
		go s.drive(ctx, job)
	}
	s.wg.Wait()
	s.StopAll()
	return nil
}

// StopAll cancels every loop and wakes every waiter. Idempotent.
func (s *Scheduler) StopAll() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		waiters := s.waiters
		s.waiters = nil
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for _, ch := range waiters {
			close(ch)
		}
		s.logger.Info("scheduler stopped")
	})
}

func (s *Scheduler) drive(ctx context.Context, job Job) {
	defer s.wg.Done()
	defer job.Slot.forceRelease()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("source loop panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	job.Runner.Run(ctx)
}

// acquire blocks until a slot is free. Waiters are admitted in arrival order.
func (s *Scheduler) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.active < s.cfg.MaxConcurrent {
		s.active++
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return ErrStopped
		}
		return nil
	case <-ctx.Done():
		s.abandon(ch)
		return ctx.Err()
	}
}

// abandon removes a cancelled waiter. If the slot was already handed over in
// the race it is passed on instead of leaking.
func (s *Scheduler) abandon(ch chan struct{}) {
	s.mu.Lock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
	// Not found: release already closed ch and the slot is ours to give back.
	s.release()
}

// release hands the slot to the oldest waiter, or frees it.
func (s *Scheduler) release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		ch := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		close(ch)
		return
	}
	if s.active > 0 {
		s.active--
	}
	s.mu.Unlock()
}

// Slot is one source's handle on the scheduler. It implements the cycle gate
// on the acquire side and wraps the source's status emitter on the release
// side, so a slot is held for exactly the scraping phase.
type Slot struct {
	sched *Scheduler
	next  status.Emitter

	mu   sync.Mutex
	held bool
}

// Wait blocks until the source may scrape.
func (sl *Slot) Wait(ctx context.Context) error {
	if err := sl.sched.acquire(ctx); err != nil {
		return err
	}
	sl.mu.Lock()
	sl.held = true
	sl.mu.Unlock()
	return nil
}

// Emit forwards the event, releasing the slot first when the source leaves
// its scraping phase.
func (sl *Slot) Emit(evt status.Event) {
	if evt.State == status.StateSleeping || evt.State == status.StateError {
		sl.forceRelease()
	}
	if sl.next != nil {
		sl.next.Emit(evt)
	}
}

// forceRelease gives the slot back if held. Safe to call repeatedly; also the
// cleanup path when a loop exits mid-scrape.
func (sl *Slot) forceRelease() {
	sl.mu.Lock()
	held := sl.held
	sl.held = false
	sl.mu.Unlock()
	if held {
		sl.sched.release()
	}
}
