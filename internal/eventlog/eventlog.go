// Package eventlog provides the kernel's append-only, JSON-lines event
// stream: the single observability surface every other component writes
// through. SPEC_FULL.md §4 / spec.md §6 "Event log format".
//
// Adapted from the teacher's system/events/dispatcher.go queue-and-
// worker-pool idiom: a buffered channel feeds a small worker pool that
// fans each event out to subscribers, instead of to blockchain event
// handlers.
package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/pkg/logger"
)

// Type is the closed-enough set of event types the kernel emits. New
// values may be added; consumers must tolerate unknown types (spec.md
// §6).
type Type string

const (
	TypeAction             Type = "action"
	TypeInvokeAttempt      Type = "invoke_attempt"
	TypeInvokeSuccess      Type = "invoke_success"
	TypeInvokeFailure      Type = "invoke_failure"
	TypeTransfer           Type = "transfer"
	TypeMint               Type = "mint"
	TypeResourceConsumed   Type = "resource_consumed"
	TypeResourceAllocated  Type = "resource_allocated"
	TypeResourceSpent      Type = "resource_spent"
	TypeArtifactCreated    Type = "artifact_created"
	TypeArtifactUpdated    Type = "artifact_updated"
	TypeArtifactDeleted    Type = "artifact_deleted"
	TypeSnapshot           Type = "snapshot"
	TypeError              Type = "error"
	TypeDanglingContract   Type = "dangling_contract"
)

// Event is one append-only record. EventNumber is strictly monotonic
// and assigned by the Clock before Append returns.
type Event struct {
	EventNumber uint64         `json:"event_number"`
	Timestamp   time.Time      `json:"timestamp"`
	EventType   Type           `json:"event_type"`
	PrincipalID string         `json:"principal_id,omitempty"`
	ArtifactID  string         `json:"artifact_id,omitempty"`
	ActionType  string         `json:"action_type,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Reward      int64          `json:"reward,omitempty"`
	Error       string         `json:"error,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Mirror is an optional durable sink (e.g. Postgres) an EventLog writes
// through to, best-effort, never blocking the in-memory log which is
// always the authority.
type Mirror interface {
	WriteEvent(ctx context.Context, e Event) error
}

// Subscriber receives every appended event in order on a buffered
// channel. If the subscriber falls behind past its buffer, the event
// log drops the oldest undelivered event to that subscriber rather than
// block the writer — observability must never be able to stall the
// kernel.
type Subscriber struct {
	ch     chan Event
	closed bool
}

// C returns the channel to range over.
func (s *Subscriber) C() <-chan Event { return s.ch }

// EventLog is the append-only event stream.
type EventLog struct {
	mu     sync.RWMutex
	clock  *clock.Clock
	log    *logger.Logger
	events []Event

	subs   map[int]*Subscriber
	nextSub int

	mirror     Mirror
	mirrorQ    chan Event
	mirrorOnce sync.Once
	stopCh     chan struct{}
}

// Config configures an EventLog.
type Config struct {
	Clock  *clock.Clock
	Logger *logger.Logger
	Mirror Mirror
}

// New returns a ready EventLog. If cfg.Mirror is non-nil, a background
// worker drains writes to it, best-effort.
func New(cfg Config) *EventLog {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("eventlog")
	}
	el := &EventLog{
		clock:   cfg.Clock,
		log:     cfg.Logger,
		subs:    make(map[int]*Subscriber),
		mirror:  cfg.Mirror,
		mirrorQ: make(chan Event, 4096),
		stopCh:  make(chan struct{}),
	}
	if el.mirror != nil {
		go el.drainMirror()
	}
	return el
}

// Append assigns the next event number, records the event, and fans it
// out to subscribers and the mirror. It never fails: a broken mirror
// write is logged and dropped, per spec.md §6 write-behind semantics.
func (el *EventLog) Append(e Event) Event {
	e.EventNumber = el.clock.Next()
	if e.Timestamp.IsZero() {
		e.Timestamp = clock.Now()
	}

	el.mu.Lock()
	el.events = append(el.events, e)
	subs := make([]*Subscriber, 0, len(el.subs))
	for _, s := range el.subs {
		subs = append(subs, s)
	}
	el.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		default:
			// subscriber is behind; drop the oldest pending event to make
			// room rather than block the writer.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- e:
			default:
			}
		}
	}

	if el.mirror != nil {
		select {
		case el.mirrorQ <- e:
		default:
			el.log.WithField("event_number", e.EventNumber).Warn("mirror queue full, dropping event")
		}
	}

	return e
}

func (el *EventLog) drainMirror() {
	ctx := context.Background()
	for {
		select {
		case e := <-el.mirrorQ:
			if err := el.mirror.WriteEvent(ctx, e); err != nil {
				el.log.WithField("event_number", e.EventNumber).WithField("err", err.Error()).
					Warn("mirror write failed")
			}
		case <-el.stopCh:
			return
		}
	}
}

// Close stops the mirror worker.
func (el *EventLog) Close() {
	el.mirrorOnce.Do(func() { close(el.stopCh) })
}

// Subscribe registers a new subscriber with the given channel buffer
// size and returns it plus an unsubscribe function.
func (el *EventLog) Subscribe(buffer int) (*Subscriber, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	el.mu.Lock()
	id := el.nextSub
	el.nextSub++
	s := &Subscriber{ch: make(chan Event, buffer)}
	el.subs[id] = s
	el.mu.Unlock()

	return s, func() {
		el.mu.Lock()
		defer el.mu.Unlock()
		if sub, ok := el.subs[id]; ok && !sub.closed {
			sub.closed = true
			close(sub.ch)
			delete(el.subs, id)
		}
	}
}

// Tail returns the last n events (or fewer if the log is shorter),
// in ascending event-number order. Used by the dashboard-boundary
// tailer; query_kernel's "events" query type reads through Since.
func (el *EventLog) Tail(n int) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if n <= 0 || n > len(el.events) {
		n = len(el.events)
	}
	out := make([]Event, n)
	copy(out, el.events[len(el.events)-n:])
	return out
}

// Since returns every event with EventNumber > after, in order.
func (el *EventLog) Since(after uint64) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	var out []Event
	for _, e := range el.events {
		if e.EventNumber > after {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the number of events recorded so far.
func (el *EventLog) Len() int {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return len(el.events)
}

// MarshalJSONL renders events as newline-delimited JSON, one record per
// line, matching spec.md §6's on-disk event log format.
func MarshalJSONL(events []Event) ([]byte, error) {
	var buf []byte
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
		buf = append(buf, '\n')
	}
	return buf, nil
}
