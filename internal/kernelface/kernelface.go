// Package kernelface implements KernelInterface: the narrow read/write
// facade handed to artifact code. SPEC_FULL.md §5: "Scrip and quotas
// are shared state; only the ledger may mutate them. The store is
// shared; only the executor (and bootstrap) may mutate it. Everything
// else is read-only to artifact code via KernelInterface — which
// provides read methods and the action primitives, no privileged
// backdoors."
//
// Concretely: an Interface wraps an *executor.Executor and holds the
// store and ledger only for reads, so every mutation a
// caller makes still flows through the same permission/settlement
// pipeline as an ordinary agent action — there is no shortcut method
// that writes an artifact or moves scrip directly. This generalizes the
// teacher's system/engine/invocable.go MethodResult/ServiceRequest
// idiom: a narrow request/response seam sitting in front of a
// privileged engine, here reused as the one door artifact-adjacent Go
// code (natives, CLI tooling, the event tail server) is handed instead
// of the executor itself.
package kernelface

import (
	"context"

	"github.com/r3e-network/econe/domain/action"
	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/ledgerdom"
	"github.com/r3e-network/econe/domain/triggerdom"
	"github.com/r3e-network/econe/internal/executor"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/store"
)

// Interface is the KernelInterface. It is intentionally thin: a read
// facade over the store/ledger plus one pass-through to the executor
// for every mutation, so "no privileged backdoors" is a structural
// property (there is nothing here to bypass it with), not a convention
// callers have to remember to follow.
type Interface struct {
	store  *store.Store
	ledger *ledger.Ledger
	ex     *executor.Executor
}

// New returns an Interface backed by the given kernel components. store
// and ledger are used for reads only; every write goes through ex.
func New(st *store.Store, led *ledger.Ledger, ex *executor.Executor) *Interface {
	return &Interface{store: st, ledger: led, ex: ex}
}

// ReadArtifact returns a copy of the artifact with id. This bypasses
// contract permission checking (it's a direct store read, not a
// read_artifact action) and is meant for kernel-trusted callers —
// natives, the event tail server, query_kernel's own implementation —
// not for anything that proxies untrusted agent input.
func (k *Interface) ReadArtifact(id string) (*artifact.Artifact, error) {
	return k.store.Get(id)
}

// ListArtifacts returns every artifact matching pred (nil matches all).
func (k *Interface) ListArtifacts(pred store.Predicate) []*artifact.Artifact {
	return k.store.List(pred)
}

// Balance returns a principal's current scrip balance.
func (k *Interface) Balance(principal string) int64 {
	return k.ledger.Balance(principal)
}

// Quota returns a principal's current usage window for resource.
func (k *Interface) Quota(principal string, resource ledgerdom.Resource) (ledgerdom.Quota, error) {
	return k.ledger.Quota(principal, resource)
}

// Submit runs intent through the ActionExecutor exactly as an agent's
// own proposed action would be — the one write path this facade
// exposes, and the only one that exists.
func (k *Interface) Submit(ctx context.Context, intent action.Intent) action.Result {
	return k.ex.Execute(ctx, intent)
}

// DrainWakes returns and clears the pending wake-and-push events queued
// for subscriberID since its last invocation, per spec.md §4.3's
// subscription push model.
func (k *Interface) DrainWakes(subscriberID string) []triggerdom.WakeEvent {
	return k.ex.DrainWakes(subscriberID)
}
