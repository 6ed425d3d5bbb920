// Package ledgerdom holds the plain record types for principal balances
// and resource quotas. Adapted from the teacher's domain/gasbank/model.go
// wallet/transaction shapes — NEO wallet addresses and on-chain status
// bytes are dropped; the resource-quota tuple is new (SPEC_FULL.md §4.2).
package ledgerdom

import "time"

// Resource names a depletable or renewable quota tracked per principal.
// The set is configuration-addressable (SPEC_FULL.md §9); these are the
// names the kernel ships with by default.
type Resource string

const (
	ResourceLLMDollars Resource = "llm_dollars"
	ResourceLLMTokens  Resource = "llm_tokens"
	ResourceDiskBytes  Resource = "disk_bytes"
	ResourceComputeMS  Resource = "compute_ms"
)

// Principal is a ledger entry for an artifact with HasStanding=true.
type Principal struct {
	ID           string
	Scrip        int64
	Capabilities map[string]bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasCapability reports whether the principal carries the named
// capability tag (e.g. "can_mint"). Capabilities are part of the
// principal's ledger record, never inferred from Artifact.Metadata.
func (p *Principal) HasCapability(name string) bool {
	if p == nil || p.Capabilities == nil {
		return false
	}
	return p.Capabilities[name]
}

// QuotaConfig is the configured limit and rolling-window size for one
// (principal-class, resource) pair.
type QuotaConfig struct {
	Limit        int64
	WindowSeconds int64
}

// UsageEntry is one charge recorded against a rolling window.
type UsageEntry struct {
	At     time.Time
	Amount int64
}

// Quota is the live state of one (principal, resource) pair.
type Quota struct {
	Resource    Resource
	Limit       int64
	Used        int64 // sum of Entries within the current window
	WindowStart time.Time
	Entries     []UsageEntry // pruned deterministically; capped per ledger.maxEntriesPerPair
}

// TransferRecord is an immutable log of one scrip movement, recorded so
// total scrip in circulation can be reconciled against the mint log for
// auditing and debugging.
type TransferRecord struct {
	ID        string
	From      string
	To        string
	Amount    int64
	Memo      string
	Mint      bool
	Reason    string
	Authority string
	At        time.Time
}
