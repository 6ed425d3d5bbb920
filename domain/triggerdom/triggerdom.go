// Package triggerdom holds the plain record types for the
// TriggerRegistry. Adapted from the teacher's domain/trigger/model.go
// (Type enum) and domain/automation/model.go (Schedule/RunCount/MaxRuns/
// NextRun) — merged into one record that covers event-matched,
// tick-scheduled, and subscription wake-and-push triggers.
// SPEC_FULL.md §4.3.
package triggerdom

import "time"

// Kind distinguishes the three trigger flavors the registry drives.
type Kind string

const (
	KindEvent        Kind = "event"
	KindScheduled    Kind = "scheduled"
	KindSubscription Kind = "subscription"
)

// Trigger binds a runtime rule to a callback artifact invocation.
type Trigger struct {
	ID         string
	Kind       Kind
	CreatedBy  string // the artifact that registered this trigger

	// Event-matched fields.
	EventTypeFilter string
	Predicate       string // gval expression evaluated against the event

	// Tick-scheduled fields.
	FireAtEventNumber uint64 // fire once the clock reaches this event number
	FireAfterEvents   uint64 // fire every N events (0 = one-shot)
	CronSchedule      string // robfig/cron expression, alternative to FireAfterEvents

	// Subscription fields.
	SubscribedTo string // artifact id this trigger watches

	CallbackArtifactID string
	CallbackMethod     string

	// RunCount/MaxRuns bound repeated scheduled fires, mirroring the
	// teacher's automation Job semantics (0 = unlimited).
	RunCount int
	MaxRuns  int

	Active    bool
	LastFired time.Time
	NextRun   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExhausted reports whether a repeat-bounded trigger has run out of
// fires, mirroring the teacher's automation.Job.IsCompleted.
func (t Trigger) IsExhausted() bool {
	return t.MaxRuns > 0 && t.RunCount >= t.MaxRuns
}

// Subscription is a lightweight wake-and-push registration: when Source
// changes, Subscriber is woken and its next invocation receives the
// change diff directly in its input context.
type Subscription struct {
	ID         string
	Source     string
	Subscriber string
	CreatedAt  time.Time
}

// WakeEvent is what a subscriber receives in its next invocation's input
// context for each matched subscription it holds.
type WakeEvent struct {
	Event  string          `json:"event"`
	Source string          `json:"source"`
	Diff   map[string]any  `json:"diff"`
}
