// Package contractdom holds the plain record types exchanged between the
// ActionExecutor and the ContractEngine: PermissionResult, its charging
// structure, and the context a check_permission call receives.
// SPEC_FULL.md §4.4.
package contractdom

// Access is the binary access decision a contract returns.
type Access string

const (
	AccessAllow Access = "allow"
	AccessDeny  Access = "deny"
)

// ChargeTarget names who pays the artificial (scrip) cost a contract
// assesses.
type ChargeTarget string

const (
	ChargeCaller        ChargeTarget = "caller"
	ChargeTargetArtifact ChargeTarget = "target"
	ChargeContract      ChargeTarget = "contract"
	// ChargePoolPrefix precedes a principal id, e.g. "pool:alice".
	ChargePoolPrefix = "pool:"
)

// ScripCharge is the artificial-cost part of a PermissionResult.
type ScripCharge struct {
	Amount int64        `json:"amount"`
	Payer  ChargeTarget `json:"payer"`
	PoolID string       `json:"pool_id,omitempty"` // set when Payer's string form starts with ChargePoolPrefix
}

// ResourceCharge is one real-cost budget line (LLM dollars, tokens, disk,
// compute ms) a contract assesses against the payer's quota.
type ResourceCharge struct {
	Resource string `json:"resource"`
	Amount   int64  `json:"amount"`
}

// PermissionResult is the three-part decision a contract's
// check_permission method returns, plus optional persistent state
// updates applied atomically by the executor alongside the gated
// operation.
type PermissionResult struct {
	Access Access `json:"access"`
	Reason string `json:"reason"`

	ScripCharges    []ScripCharge    `json:"scrip_charges,omitempty"`
	ResourceCharges []ResourceCharge `json:"resource_charges,omitempty"`

	// StateUpdates, if non-nil, replaces the contract artifact's own
	// Content. The executor — never the contract itself — applies this,
	// atomically with the operation it gated.
	StateUpdates []byte `json:"state_updates,omitempty"`
}

// Allowed is a convenience predicate.
func (r PermissionResult) Allowed() bool { return r.Access == AccessAllow }

// CheckContext is the context dict passed into a contract's
// check_permission entry point. Deliberately excludes
// Artifact.Metadata — metadata is a hint, never an authority input.
type CheckContext struct {
	Caller        string   `json:"caller"`
	Target        string   `json:"target"`
	Action        string   `json:"action"`
	TargetCreator string   `json:"created_by"`
	EventNumber   uint64   `json:"event_number"`
	RecentWindow  []string `json:"recent_window"` // recent event ids/types for context, kernel-assembled
}

// ToMap renders the context the way a check_permission script expects
// to read it: plain string-keyed fields, never forgeable metadata.
func (c CheckContext) ToMap() map[string]any {
	return map[string]any{
		"caller":        c.Caller,
		"target":        c.Target,
		"action":        c.Action,
		"created_by":    c.TargetCreator,
		"event_number":  c.EventNumber,
		"recent_window": c.RecentWindow,
	}
}

// CachePolicy is a contract's opt-in caching declaration.
type CachePolicy struct {
	Enabled    bool  `json:"enabled"`
	TTLSeconds int64 `json:"ttl_seconds"`
}

// Content is the parsed form of a contract artifact's Content field:
// the script body plus its declared capabilities and cache policy.
type Content struct {
	Script       string      `json:"script"`
	Capabilities []string    `json:"capabilities,omitempty"`
	CachePolicy  CachePolicy `json:"cache_policy"`
}

// HasCapability reports whether the contract declares name (e.g.
// "call_llm").
func (c Content) HasCapability(name string) bool {
	for _, cap := range c.Capabilities {
		if cap == name {
			return true
		}
	}
	return false
}
