// Package clock provides the kernel's monotonic event numbering and the
// IdRegistry used to prevent id collisions and id squatting.
// SPEC_FULL.md §2 / spec.md §3 (id uniqueness, P4/P7 testable
// properties).
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock hands out strictly increasing event numbers. Every emitted event
// gets exactly one, and it is the canonical observable order (spec.md
// §5 "Across artifacts").
type Clock struct {
	mu   sync.Mutex
	next uint64
}

// New returns a Clock starting at event number 1.
func New() *Clock {
	return &Clock{next: 1}
}

// Next returns the next event number and advances the counter.
func (c *Clock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	c.next++
	return n
}

// Current returns the next event number that Next() would hand out,
// without advancing — used by Checkpoint to persist the counter.
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Restore resets the counter, used only by Checkpoint/Restore.
func (c *Clock) Restore(next uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = next
}

// IdRegistry enforces global id uniqueness for the lifetime of the
// world: an id is never reused after deletion (spec.md P7). It also
// supports id *reservation* — claiming an id before the artifact backing
// it is written, so two concurrent creators can't race onto the same
// id ("ID squatting prevention").
type IdRegistry struct {
	mu       sync.Mutex
	used     map[string]struct{}
	reserved map[string]struct{}
}

// NewIdRegistry returns an empty registry.
func NewIdRegistry() *IdRegistry {
	return &IdRegistry{
		used:     make(map[string]struct{}),
		reserved: make(map[string]struct{}),
	}
}

// Generate returns a fresh, never-before-used random id with the given
// prefix (e.g. "agent", "contract"). It does not reserve the id — call
// Reserve or Claim for that.
func (r *IdRegistry) Generate(prefix string) string {
	for {
		id := prefix + ":" + uuid.NewString()
		r.mu.Lock()
		_, usedOk := r.used[id]
		_, resOk := r.reserved[id]
		r.mu.Unlock()
		if !usedOk && !resOk {
			return id
		}
	}
}

// Reserve claims id for later use. Returns false if id is already used
// or reserved by someone else.
func (r *IdRegistry) Reserve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.used[id]; ok {
		return false
	}
	if _, ok := r.reserved[id]; ok {
		return false
	}
	r.reserved[id] = struct{}{}
	return true
}

// Claim marks id as permanently used (called when an artifact is
// actually written under that id) and releases any reservation.
func (r *IdRegistry) Claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.used[id]; ok {
		return false
	}
	delete(r.reserved, id)
	r.used[id] = struct{}{}
	return true
}

// Release drops a reservation without claiming it (e.g. the write that
// would have used it failed).
func (r *IdRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, id)
}

// IsAvailable reports whether id is neither used nor reserved.
func (r *IdRegistry) IsAvailable(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, usedOk := r.used[id]
	_, resOk := r.reserved[id]
	return !usedOk && !resOk
}

// Snapshot returns the set of used ids, for Checkpoint.
func (r *IdRegistry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.used))
	for id := range r.used {
		out = append(out, id)
	}
	return out
}

// Restore replaces the used-id set wholesale, for Checkpoint/Restore.
func (r *IdRegistry) Restore(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		r.used[id] = struct{}{}
	}
	r.reserved = make(map[string]struct{})
}

// Now is the kernel's wall-clock source, indirected for testability
// (Checkpoint/Restore determinism is modulo LLM non-determinism, per
// spec.md §6 — wall time itself is allowed to differ across restores).
var Now = time.Now
