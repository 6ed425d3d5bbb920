// Package trigger implements the TriggerRegistry: event-matched,
// tick-scheduled, and subscription wake-and-push callbacks.
// SPEC_FULL.md §4.3.
//
// The poll/dispatch split (a scheduling concern separate from the thing
// being dispatched) is grounded on the teacher's
// packages/com.r3e.services.automation.Scheduler / JobDispatcher idiom;
// cron cadence is generalized from event-count cadence using
// robfig/cron/v3, and predicate matching uses the sandbox package's gval
// expression evaluator rather than a second script VM.
package trigger

import (
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/econe/domain/triggerdom"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/internal/eventlog"
	"github.com/r3e-network/econe/internal/sandbox"
	"github.com/r3e-network/econe/pkg/kernelerr"
)

// PendingInvocation is one callback the registry has decided to fire:
// the executor enqueues it with the trigger as caller, per spec.md
// §4.3's "enqueues invocations into the ActionExecutor's queue with the
// trigger artifact as caller".
type PendingInvocation struct {
	TriggerID string
	Caller    string
	Target    string
	Method    string
	Args      []any
}

// WakeTarget is one subscriber woken by a change to a source artifact.
type WakeTarget struct {
	SubscriberID string
	Event        triggerdom.WakeEvent
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Registry is the TriggerRegistry.
type Registry struct {
	mu sync.Mutex

	triggers map[string]*triggerdom.Trigger
	cronSched map[string]cron.Schedule

	// source artifact id -> set of subscriber artifact ids
	subsBySource map[string]map[string]struct{}
	subsByID     map[string]triggerdom.Subscription

	ids *clock.IdRegistry
	now func() time.Time
}

// New returns an empty Registry.
func New(ids *clock.IdRegistry) *Registry {
	return &Registry{
		triggers:     make(map[string]*triggerdom.Trigger),
		cronSched:    make(map[string]cron.Schedule),
		subsBySource: make(map[string]map[string]struct{}),
		subsByID:     make(map[string]triggerdom.Subscription),
		ids:          ids,
		now:          clock.Now,
	}
}

// Register adds t to the registry, assigning an id if t.ID is empty.
// A non-empty CronSchedule is parsed eagerly so a malformed expression
// is rejected at registration time rather than silently never firing.
func (r *Registry) Register(t triggerdom.Trigger) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.ID == "" {
		t.ID = r.ids.Generate("trigger")
	}
	t.Active = true
	now := r.now()
	t.CreatedAt, t.UpdatedAt = now, now

	var sched cron.Schedule
	if t.CronSchedule != "" {
		s, err := cronParser.Parse(t.CronSchedule)
		if err != nil {
			return "", kernelerr.New(kernelerr.InvalidArgument, "invalid cron schedule: "+err.Error())
		}
		sched = s
		t.NextRun = sched.Next(now)
	}

	cp := t
	r.triggers[t.ID] = &cp
	if sched != nil {
		r.cronSched[t.ID] = sched
	}
	return t.ID, nil
}

// Unregister removes a trigger.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.triggers[id]; !ok {
		return kernelerr.NotFoundf("trigger", id)
	}
	delete(r.triggers, id)
	delete(r.cronSched, id)
	return nil
}

// Get returns a copy of the trigger, for query_kernel introspection.
func (r *Registry) Get(id string) (triggerdom.Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok {
		return triggerdom.Trigger{}, kernelerr.NotFoundf("trigger", id)
	}
	return *t, nil
}

// List returns every registered trigger, ordered by id for determinism.
func (r *Registry) List() []triggerdom.Trigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]triggerdom.Trigger, 0, len(r.triggers))
	for _, t := range r.triggers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fire matches ev against every active event-kind trigger whose
// EventTypeFilter matches (empty filter matches anything) and whose
// Predicate (if any) evaluates true, and returns the resulting pending
// invocations.
func (r *Registry) Fire(ev eventlog.Event) []PendingInvocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	vars := map[string]any{
		"event_number": ev.EventNumber,
		"event_type":   string(ev.EventType),
		"principal_id": ev.PrincipalID,
		"artifact_id":  ev.ArtifactID,
		"action_type":  ev.ActionType,
	}

	var out []PendingInvocation
	for _, t := range r.triggers {
		if !t.Active || t.Kind != triggerdom.KindEvent || t.IsExhausted() {
			continue
		}
		if t.EventTypeFilter != "" && t.EventTypeFilter != string(ev.EventType) {
			continue
		}
		matched, err := sandbox.EvalPredicate(t.Predicate, vars)
		if err != nil || !matched {
			continue
		}
		out = append(out, r.fireLocked(t, []any{vars}))
	}
	return out
}

// Advance fires tick-scheduled triggers (FireAtEventNumber /
// FireAfterEvents) whose tick has arrived at currentEventNumber, and
// cron-scheduled triggers whose wall-clock time has arrived.
func (r *Registry) Advance(currentEventNumber uint64) []PendingInvocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []PendingInvocation
	for _, t := range r.triggers {
		if !t.Active || t.Kind != triggerdom.KindScheduled || t.IsExhausted() {
			continue
		}

		if sched, ok := r.cronSched[t.ID]; ok {
			if !t.NextRun.IsZero() && !now.Before(t.NextRun) {
				out = append(out, r.fireLocked(t, []any{map[string]any{"fired_at": now}}))
				t.NextRun = sched.Next(now)
			}
			continue
		}

		if t.FireAtEventNumber > 0 && currentEventNumber >= t.FireAtEventNumber {
			out = append(out, r.fireLocked(t, []any{map[string]any{"event_number": currentEventNumber}}))
			t.FireAtEventNumber = 0
			continue
		}
		if t.FireAfterEvents > 0 {
			due := t.LastFired.IsZero() || currentEventNumber%t.FireAfterEvents == 0
			if due {
				out = append(out, r.fireLocked(t, []any{map[string]any{"event_number": currentEventNumber}}))
			}
		}
	}
	return out
}

func (r *Registry) fireLocked(t *triggerdom.Trigger, args []any) PendingInvocation {
	t.RunCount++
	t.LastFired = r.now()
	t.UpdatedAt = t.LastFired
	return PendingInvocation{
		TriggerID: t.ID,
		Caller:    t.ID,
		Target:    t.CallbackArtifactID,
		Method:    t.CallbackMethod,
		Args:      args,
	}
}

// Snapshot captures every registered trigger and subscription for
// Checkpoint. Cron schedules are re-parsed from Trigger.CronSchedule on
// Restore rather than serialized directly, since cron.Schedule isn't
// itself marshalable.
type Snapshot struct {
	Triggers      []triggerdom.Trigger
	Subscriptions []triggerdom.Subscription
}

// Snapshot returns a deep-enough copy of the registry's current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{}
	for _, t := range r.triggers {
		snap.Triggers = append(snap.Triggers, *t)
	}
	sort.Slice(snap.Triggers, func(i, j int) bool { return snap.Triggers[i].ID < snap.Triggers[j].ID })
	for _, s := range r.subsByID {
		snap.Subscriptions = append(snap.Subscriptions, s)
	}
	sort.Slice(snap.Subscriptions, func(i, j int) bool { return snap.Subscriptions[i].ID < snap.Subscriptions[j].ID })
	return snap
}

// LoadSnapshot repopulates an empty Registry from a Snapshot, used only
// by Checkpoint/Restore. Trigger ids are re-registered verbatim (not
// regenerated) so downstream references (e.g. in event history) stay
// valid across a restore.
func (r *Registry) LoadSnapshot(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range snap.Triggers {
		t := snap.Triggers[i]
		r.triggers[t.ID] = &t
		if t.CronSchedule != "" {
			if sched, err := cronParser.Parse(t.CronSchedule); err == nil {
				r.cronSched[t.ID] = sched
			}
		}
	}
	for _, s := range snap.Subscriptions {
		r.subsByID[s.ID] = s
		if r.subsBySource[s.Source] == nil {
			r.subsBySource[s.Source] = make(map[string]struct{})
		}
		r.subsBySource[s.Source][s.Subscriber] = struct{}{}
	}
}

// Subscribe registers a wake-and-push subscription: when source
// changes, subscriber is woken. Returns the subscription id.
func (r *Registry) Subscribe(source, subscriber string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.ids.Generate("subscription")
	r.subsByID[id] = triggerdom.Subscription{ID: id, Source: source, Subscriber: subscriber, CreatedAt: r.now()}
	if r.subsBySource[source] == nil {
		r.subsBySource[source] = make(map[string]struct{})
	}
	r.subsBySource[source][subscriber] = struct{}{}
	return id
}

// Unsubscribe removes subscriber's subscription to source.
func (r *Registry) Unsubscribe(source, subscriber string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.subsBySource[source]
	if !ok {
		return kernelerr.NotFoundf("subscription", source+"->"+subscriber)
	}
	if _, ok := subs[subscriber]; !ok {
		return kernelerr.NotFoundf("subscription", source+"->"+subscriber)
	}
	delete(subs, subscriber)
	for id, s := range r.subsByID {
		if s.Source == source && s.Subscriber == subscriber {
			delete(r.subsByID, id)
		}
	}
	return nil
}

// NotifyChange returns the wake targets for every subscriber of source,
// carrying diff as the push payload. This is a push, not a poll: the
// executor delivers the returned WakeTargets directly into each
// subscriber's next invocation input.
func (r *Registry) NotifyChange(source string, diff map[string]any) []WakeTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subsBySource[source]
	if len(subs) == 0 {
		return nil
	}
	out := make([]WakeTarget, 0, len(subs))
	for subscriber := range subs {
		out = append(out, WakeTarget{
			SubscriberID: subscriber,
			Event:        triggerdom.WakeEvent{Event: "artifact_changed", Source: source, Diff: diff},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID < out[j].SubscriberID })
	return out
}
