// Package artifact defines the universal object model: everything in the
// simulation — agents, contracts, data, executables, memory — is an
// Artifact. See SPEC_FULL.md §3.
package artifact

import (
	"encoding/json"
	"time"
)

// Type is an informational tag on an artifact. It carries no authority.
type Type string

const (
	TypeAgent             Type = "agent"
	TypeContract          Type = "contract"
	TypeData              Type = "data"
	TypeExecutable        Type = "executable"
	TypeMemory            Type = "memory"
	TypeMintTask          Type = "mint_task"
	TypeChargeDelegation  Type = "charge_delegation"
	TypeTrigger           Type = "trigger"
)

// FieldSchema describes one named field of a method's argument or return
// shape. Strictness is intentionally minimal (SPEC_FULL.md §9 Open
// Question decision): names and presence are checked, types are advisory.
type FieldSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required"`
}

// MethodSchema describes one callable entry point of an artifact's
// Interface.
type MethodSchema struct {
	Args    []FieldSchema `json:"args,omitempty"`
	Returns []FieldSchema `json:"returns,omitempty"`
}

// Artifact is the universal unit of storage and behavior. See
// SPEC_FULL.md §3 for the full invariant list.
type Artifact struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`

	// CreatedBy is the principal id of the creator. Immutable once set —
	// the only trustworthy authority anchor in the whole system.
	CreatedBy string `json:"created_by"`

	// Content is opaque bytes whose semantics are defined by Type. Using
	// json.RawMessage lets it round-trip through the store, the sandbox,
	// and the optional Postgres mirror without the kernel ever needing to
	// understand it.
	Content json.RawMessage `json:"content,omitempty"`

	// Interface declares the callable methods exposed by this artifact's
	// content, keyed by method name. Empty for artifacts with no callable
	// surface.
	Interface map[string]MethodSchema `json:"interface,omitempty"`

	// AccessContractID names the artifact whose check_permission governs
	// every read/write/invoke/delete against this artifact. Must be
	// explicit on write unless the kernel is configured otherwise
	// (kconfig: contracts.require_explicit_on_write).
	AccessContractID string `json:"access_contract_id,omitempty"`

	// HasStanding marks this artifact as a principal: it owns a ledger
	// entry and can be charged or be a party to contracts.
	HasStanding bool `json:"has_standing"`

	// HasLoop marks this artifact as scheduler-driven (an agent).
	HasLoop bool `json:"has_loop"`

	// Metadata is free-form and MUST NOT be consulted for authority
	// decisions anywhere in the kernel. Keys such as "authorized_writer"
	// may appear but are hints only — see ContractEngine context
	// assembly, which never reads Metadata.
	Metadata map[string]string `json:"metadata,omitempty"`

	// KernelProtected artifacts cannot be mutated or deleted except by
	// the kernel itself (mint tasks, charge delegations, genesis
	// contracts).
	KernelProtected bool `json:"kernel_protected"`

	// Dependencies is the set of artifact ids this artifact references,
	// maintained automatically by the store on every write.
	Dependencies map[string]struct{} `json:"-"`

	// CreatedAtEvent is the event number at which this artifact was
	// created — the reproducible ordering key used by Store.List.
	CreatedAtEvent uint64 `json:"created_at_event"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// store's lock (Dependencies and Metadata are copied; Content is not
// mutated in place anywhere in the kernel so a shallow slice copy
// suffices).
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Content != nil {
		cp.Content = append(json.RawMessage(nil), a.Content...)
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	if a.Interface != nil {
		cp.Interface = make(map[string]MethodSchema, len(a.Interface))
		for k, v := range a.Interface {
			cp.Interface[k] = v
		}
	}
	if a.Dependencies != nil {
		cp.Dependencies = make(map[string]struct{}, len(a.Dependencies))
		for k := range a.Dependencies {
			cp.Dependencies[k] = struct{}{}
		}
	}
	return &cp
}

// DependencyIDs returns the dependency set as a sorted-friendly slice.
func (a *Artifact) DependencyIDs() []string {
	out := make([]string, 0, len(a.Dependencies))
	for id := range a.Dependencies {
		out = append(out, id)
	}
	return out
}
