// Package status defines the per-source status events emitted by crawl cycles
// and the hub that fans them out to sinks.
package status

import (
	"errors"
	"fmt"
	"time"
)

// State is the reported phase of one source's crawl cycle.
type State string

// Supported source states.
const (
	StateIdle     State = "idle"
	StateScraping State = "scraping"
	StateSleeping State = "sleeping"
	StateError    State = "error"
)

// Event captures one source status transition.
type Event struct {
	// Category and Region identify the source.
	Category string
	Region   string
	// RunID identifies the cycle run that produced the transition.
	RunID string
	// State is the phase entered.
	State State
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// TotalRecords is the source's stored record count after the transition.
	TotalRecords int
	// Stored is the number of records persisted by the run that just ended;
	// meaningful on sleeping/error transitions.
	Stored int
	// Dur is the wall time of the run that just ended, when applicable.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Category == "" || e.Region == "" {
		return errors.New("category and region are required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.State {
	case StateIdle, StateScraping, StateSleeping, StateError:
	default:
		return fmt.Errorf("unknown state %q", e.State)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SourceKey returns the "category/region" identity of the event's source.
func (e Event) SourceKey() string {
	return e.Category + "/" + e.Region
}
