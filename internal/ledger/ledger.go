// Package ledger implements the kernel's scrip balances, per-principal
// resource quotas, atomic settlement, and rolling rate windows.
// SPEC_FULL.md §4.2.
//
// Grounded on the teacher's internal/app/services/gasbank.Service:
// balance-check → optimistic update → persist → rollback-on-failure
// idiom (service.go's Withdraw), generalized from a single on-chain gas
// account to arbitrary scrip/resource pairs under one settlement lock.
// golang.org/x/time/rate is layered in as a burst guard behind the
// deterministic rolling-window list: the window is pruned and checked
// first, and only a charge the window admits is then offered to the
// limiter, which can reject it as well. The limiter never admits a
// charge the pruned entry list refuses, and only the list records
// usage (spec.md §4.2 "rolling-window accounting").
package ledger

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/econe/domain/delegationdom"
	"github.com/r3e-network/econe/domain/ledgerdom"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/pkg/kernelerr"
)

// QuotaConfig maps a resource name to its configured limit and window.
type QuotaConfig map[ledgerdom.Resource]ledgerdom.QuotaConfig

// Ledger is the authoritative scrip/resource ledger. A single mutex
// guards all state: settlement must never be observed half-applied.
type Ledger struct {
	mu sync.Mutex

	principals map[string]*ledgerdom.Principal
	quotas     map[string]map[ledgerdom.Resource]*ledgerdom.Quota
	delegation map[string]*delegationdom.Delegation

	// delegationUsage tracks each (payer, charger) delegation's rolling
	// window spend, keyed by "payer|charger" — separate from quotas
	// because a delegation's window_seconds is per-entry, not tied to a
	// configured resource.
	delegationUsage map[string][]ledgerdom.UsageEntry

	quotaConfig       QuotaConfig
	maxEntriesPerPair int

	limiters map[string]*rate.Limiter

	transfers []ledgerdom.TransferRecord
	ids       *clock.IdRegistry
	now       func() time.Time
}

// Config configures a Ledger.
type Config struct {
	QuotaConfig       QuotaConfig
	MaxEntriesPerPair int
	IdRegistry        *clock.IdRegistry
}

// New returns an empty Ledger.
func New(cfg Config) *Ledger {
	if cfg.MaxEntriesPerPair <= 0 {
		cfg.MaxEntriesPerPair = 1000
	}
	return &Ledger{
		principals:        make(map[string]*ledgerdom.Principal),
		quotas:            make(map[string]map[ledgerdom.Resource]*ledgerdom.Quota),
		delegation:        make(map[string]*delegationdom.Delegation),
		delegationUsage:   make(map[string][]ledgerdom.UsageEntry),
		quotaConfig:       cfg.QuotaConfig,
		maxEntriesPerPair: cfg.MaxEntriesPerPair,
		limiters:          make(map[string]*rate.Limiter),
		ids:               cfg.IdRegistry,
		now:               clock.Now,
	}
}

// EnsurePrincipal creates a zero-balance principal record if one does
// not already exist, idempotently.
func (l *Ledger) EnsurePrincipal(id string) *ledgerdom.Principal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ensurePrincipalLocked(id)
}

func (l *Ledger) ensurePrincipalLocked(id string) *ledgerdom.Principal {
	p, ok := l.principals[id]
	if !ok {
		now := l.now()
		p = &ledgerdom.Principal{ID: id, Capabilities: map[string]bool{}, CreatedAt: now, UpdatedAt: now}
		l.principals[id] = p
	}
	return p
}

// Grant sets a capability flag on a principal (e.g. "can_mint"). Only
// called during bootstrap / by kernel-privileged paths, never from an
// agent action directly.
func (l *Ledger) Grant(id, capability string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.ensurePrincipalLocked(id)
	p.Capabilities[capability] = true
	p.UpdatedAt = l.now()
}

// Balance returns a principal's current scrip balance. A principal
// that has never transacted has balance zero.
func (l *Ledger) Balance(principal string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.principals[principal]
	if !ok {
		return 0
	}
	return p.Scrip
}

// Transfer moves amount scrip from from to to. Fails without side
// effects if from lacks the amount, or if to does not exist as a
// principal (the executor is responsible for having created one, e.g.
// via EnsurePrincipal, for any artifact with has_standing=true).
func (l *Ledger) Transfer(from, to string, amount int64, memo string) error {
	if amount <= 0 {
		return kernelerr.New(kernelerr.InvalidArgument, "transfer amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fromP, ok := l.principals[from]
	if !ok || fromP.Scrip < amount {
		var available int64
		if ok {
			available = fromP.Scrip
		}
		return kernelerr.InsufficientScripf(amount, available)
	}
	toP, ok := l.principals[to]
	if !ok {
		return kernelerr.NotFoundf("principal", to)
	}

	fromP.Scrip -= amount
	toP.Scrip += amount
	now := l.now()
	fromP.UpdatedAt = now
	toP.UpdatedAt = now

	l.recordTransferLocked(from, to, amount, memo, false, "", "")
	return nil
}

// Mint credits amount scrip to to. Requires authority to hold the
// can_mint capability — the sole path by which new scrip enters
// circulation.
func (l *Ledger) Mint(to string, amount int64, reason, authority string) error {
	if amount <= 0 {
		return kernelerr.New(kernelerr.InvalidArgument, "mint amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	auth, ok := l.principals[authority]
	if !ok || !auth.HasCapability("can_mint") {
		return kernelerr.PermissionDeniedf("%q lacks can_mint capability", authority)
	}

	toP := l.ensurePrincipalLocked(to)
	toP.Scrip += amount
	toP.UpdatedAt = l.now()

	l.recordTransferLocked("", to, amount, "", true, reason, authority)
	return nil
}

func (l *Ledger) recordTransferLocked(from, to string, amount int64, memo string, mint bool, reason, authority string) {
	rec := ledgerdom.TransferRecord{
		ID: l.ids.Generate("transfer"), From: from, To: to, Amount: amount,
		Memo: memo, Mint: mint, Reason: reason, Authority: authority, At: l.now(),
	}
	l.ids.Claim(rec.ID)
	l.transfers = append(l.transfers, rec)
}

// Transfers returns every recorded transfer/mint, in order, for audit
// and for reconciling total circulating scrip.
func (l *Ledger) Transfers() []ledgerdom.TransferRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledgerdom.TransferRecord, len(l.transfers))
	copy(out, l.transfers)
	return out
}

// Quota returns the current quota state for (principal, resource),
// pruning expired entries first.
func (l *Ledger) Quota(principal string, resource ledgerdom.Resource) (ledgerdom.Quota, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, err := l.quotaLocked(principal, resource)
	if err != nil {
		return ledgerdom.Quota{}, err
	}
	l.pruneLocked(q)
	cp := *q
	cp.Entries = append([]ledgerdom.UsageEntry(nil), q.Entries...)
	return cp, nil
}

func (l *Ledger) quotaLocked(principal string, resource ledgerdom.Resource) (*ledgerdom.Quota, error) {
	cfg, ok := l.quotaConfig[resource]
	if !ok {
		return nil, kernelerr.NotFoundf("resource", string(resource))
	}
	byResource, ok := l.quotas[principal]
	if !ok {
		byResource = make(map[ledgerdom.Resource]*ledgerdom.Quota)
		l.quotas[principal] = byResource
	}
	q, ok := byResource[resource]
	if !ok {
		q = &ledgerdom.Quota{Resource: resource, Limit: cfg.Limit, WindowStart: l.now()}
		byResource[resource] = q
	}
	q.Limit = cfg.Limit
	return q, nil
}

func (l *Ledger) pruneLocked(q *ledgerdom.Quota) {
	cfg := l.quotaConfig[q.Resource]
	cutoff := l.now().Add(-time.Duration(cfg.WindowSeconds) * time.Second)

	kept := q.Entries[:0:0]
	var used int64
	for _, e := range q.Entries {
		if e.At.After(cutoff) {
			kept = append(kept, e)
			used += e.Amount
		}
	}
	if len(kept) > l.maxEntriesPerPair {
		overflow := len(kept) - l.maxEntriesPerPair
		sort.Slice(kept, func(i, j int) bool { return kept[i].At.Before(kept[j].At) })
		for _, e := range kept[:overflow] {
			used -= e.Amount
		}
		kept = kept[overflow:]
	}
	q.Entries = kept
	q.Used = used
}

// ReserveAndCharge checks the rolling window for (principal, resource),
// deducts amount if the window has room, and records a dated entry.
// After the window check passes, a golang.org/x/time/rate limiter
// (rate limit/window, burst limit) must also admit the amount.
func (l *Ledger) ReserveAndCharge(principal string, resource ledgerdom.Resource, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserveAndChargeLocked(principal, resource, amount)
}

func (l *Ledger) reserveAndChargeLocked(principal string, resource ledgerdom.Resource, amount int64) error {
	if amount <= 0 {
		return nil
	}
	q, err := l.quotaLocked(principal, resource)
	if err != nil {
		return err
	}
	l.pruneLocked(q)

	if q.Used+amount > q.Limit {
		return kernelerr.RateExceededf(string(resource)).
			WithDetail("used", q.Used).WithDetail("amount", amount).WithDetail("limit", q.Limit)
	}

	key := principal + "|" + string(resource)
	lim, ok := l.limiters[key]
	cfg := l.quotaConfig[resource]
	if !ok {
		// average admission rate implied by the window's limit, as a
		// fast-path burst guard; the pruned list above remains authoritative.
		r := rate.Limit(float64(cfg.Limit) / float64(cfg.WindowSeconds))
		lim = rate.NewLimiter(r, int(cfg.Limit))
		l.limiters[key] = lim
	}
	if !lim.AllowN(l.now(), int(amount)) {
		return kernelerr.RateExceededf(string(resource))
	}

	q.Entries = append(q.Entries, ledgerdom.UsageEntry{At: l.now(), Amount: amount})
	q.Used += amount
	return nil
}

// Snapshot captures every piece of state Checkpoint needs to reproduce
// subsequent ledger behavior deterministically: principal balances and
// capabilities, live quota windows, and the full transfer log (spec.md
// §8 R4).
type Snapshot struct {
	Principals      []ledgerdom.Principal
	Quotas          map[string]map[ledgerdom.Resource]ledgerdom.Quota
	Transfers       []ledgerdom.TransferRecord
	DelegationUsage map[string][]ledgerdom.UsageEntry
}

// Snapshot returns a deep copy of the ledger's current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Quotas:          make(map[string]map[ledgerdom.Resource]ledgerdom.Quota),
		DelegationUsage: make(map[string][]ledgerdom.UsageEntry, len(l.delegationUsage)),
	}
	for _, p := range l.principals {
		cp := *p
		cp.Capabilities = make(map[string]bool, len(p.Capabilities))
		for k, v := range p.Capabilities {
			cp.Capabilities[k] = v
		}
		snap.Principals = append(snap.Principals, cp)
	}
	sort.Slice(snap.Principals, func(i, j int) bool { return snap.Principals[i].ID < snap.Principals[j].ID })

	for principal, byResource := range l.quotas {
		out := make(map[ledgerdom.Resource]ledgerdom.Quota, len(byResource))
		for resource, q := range byResource {
			out[resource] = *q
		}
		snap.Quotas[principal] = out
	}
	snap.Transfers = append([]ledgerdom.TransferRecord(nil), l.transfers...)
	for key, entries := range l.delegationUsage {
		snap.DelegationUsage[key] = append([]ledgerdom.UsageEntry(nil), entries...)
	}
	return snap
}

// LoadSnapshot repopulates an empty Ledger from a Snapshot, used only
// by Checkpoint/Restore.
func (l *Ledger) LoadSnapshot(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range snap.Principals {
		p := snap.Principals[i]
		l.principals[p.ID] = &p
	}
	for principal, byResource := range snap.Quotas {
		out := make(map[ledgerdom.Resource]*ledgerdom.Quota, len(byResource))
		for resource, q := range byResource {
			qq := q
			out[resource] = &qq
		}
		l.quotas[principal] = out
	}
	l.transfers = append([]ledgerdom.TransferRecord(nil), snap.Transfers...)
	for key, entries := range snap.DelegationUsage {
		l.delegationUsage[key] = append([]ledgerdom.UsageEntry(nil), entries...)
	}
}

// ResourceCharge is one (resource, amount) line item charged during
// settlement.
type ResourceCharge struct {
	Resource ledgerdom.Resource
	Amount   int64
}

// DelegationCheck resolves a payer's charge-delegation entry for
// charger, if any, as of t. The executor supplies this by reading the
// payer's `charge_delegation:{payer}` artifact from the store; the
// ledger itself never reads the ArtifactStore, to keep the lock
// ordering one-directional (spec.md §5).
type DelegationCheck func(payer, charger string, t time.Time) (delegationdom.Entry, bool)

// SettlementReceipt records exactly what an AtomicSettle call applied,
// so a gated effect that fails after settlement can be rolled back
// precisely via ReverseSettlement instead of guessing which of a
// principal's usage entries to undo (spec.md P3: "for every failed
// action, the ledger state at the end equals the state at its start").
type SettlementReceipt struct {
	Payer           string
	Charger         string
	ScripAmount     int64
	ResourceCharges []ResourceCharge
	DelegationKey   string
	At              time.Time
}

// applied reports whether the receipt actually moved anything — a
// zero-value receipt (no scrip, no resources) needs no reversal.
func (r SettlementReceipt) applied() bool {
	return r.ScripAmount > 0 || len(r.ResourceCharges) > 0
}

// AtomicSettle performs authorize → debit-scrip → debit-resources →
// record as one step under the settlement lock. If payer != charger,
// the charge is only authorized if a delegation allows it and the
// per-call/window caps are respected (spec.md "Charge delegation").
// Any failure leaves no trace: partial state never survives. On
// success it returns a SettlementReceipt the caller must pass to
// ReverseSettlement if a gated effect performed after settlement goes
// on to fail.
func (l *Ledger) AtomicSettle(payer, charger string, scripAmount int64, resourceCharges []ResourceCharge, delegation DelegationCheck) (SettlementReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var delegationKey string
	var prunedDelegationUsage []ledgerdom.UsageEntry
	if payer != charger && scripAmount > 0 {
		if delegation == nil {
			return SettlementReceipt{}, kernelerr.UnauthorizedChargef(charger, payer)
		}
		entry, ok := delegation(payer, charger, now)
		if !ok {
			return SettlementReceipt{}, kernelerr.UnauthorizedChargef(charger, payer)
		}
		if entry.PerCallCap > 0 && scripAmount > entry.PerCallCap {
			return SettlementReceipt{}, kernelerr.UnauthorizedChargef(charger, payer).WithDetail("per_call_cap", entry.PerCallCap)
		}
		if entry.WindowCap > 0 && entry.WindowSeconds > 0 {
			delegationKey = payer + "|" + charger
			var used int64
			cutoff := now.Add(-time.Duration(entry.WindowSeconds) * time.Second)
			for _, e := range l.delegationUsage[delegationKey] {
				if e.At.After(cutoff) {
					prunedDelegationUsage = append(prunedDelegationUsage, e)
					used += e.Amount
				}
			}
			if used+scripAmount > entry.WindowCap {
				return SettlementReceipt{}, kernelerr.RateExceededf("charge_delegation:"+payer).
					WithDetail("charger", charger).WithDetail("used", used).WithDetail("window_cap", entry.WindowCap)
			}
		}
	}

	if scripAmount > 0 {
		p, ok := l.principals[payer]
		if !ok || p.Scrip < scripAmount {
			var available int64
			if ok {
				available = p.Scrip
			}
			return SettlementReceipt{}, kernelerr.InsufficientScripf(scripAmount, available)
		}
	}

	// Dry-run every resource charge before mutating anything, so a
	// failure on charge N doesn't leave charges 1..N-1 applied.
	for _, rc := range resourceCharges {
		q, err := l.quotaLocked(payer, rc.Resource)
		if err != nil {
			return SettlementReceipt{}, err
		}
		l.pruneLocked(q)
		if q.Used+rc.Amount > q.Limit {
			return SettlementReceipt{}, kernelerr.RateExceededf(string(rc.Resource))
		}
	}

	if scripAmount > 0 {
		payerP := l.principals[payer]
		chargerP := l.ensurePrincipalLocked(charger)
		payerP.Scrip -= scripAmount
		chargerP.Scrip += scripAmount
		payerP.UpdatedAt = now
		chargerP.UpdatedAt = now
		l.recordTransferLocked(payer, charger, scripAmount, "settlement", false, "", charger)

		if delegationKey != "" {
			l.delegationUsage[delegationKey] = append(prunedDelegationUsage, ledgerdom.UsageEntry{At: now, Amount: scripAmount})
		}
	}

	for _, rc := range resourceCharges {
		if err := l.reserveAndChargeLocked(payer, rc.Resource, rc.Amount); err != nil {
			// Resource quota was already dry-run-checked above; this should
			// not happen absent a racing charge within the same lock hold,
			// which the lock itself rules out. Treat as an invariant break.
			return SettlementReceipt{}, kernelerr.InvariantViolationf("resource charge reservation failed after dry run: %v", err)
		}
	}

	return SettlementReceipt{
		Payer: payer, Charger: charger, ScripAmount: scripAmount,
		ResourceCharges: resourceCharges, DelegationKey: delegationKey, At: now,
	}, nil
}

// ReverseSettlement undoes a previously applied AtomicSettle when the
// gated effect it guarded failed afterward, restoring the ledger to
// where it stood before settlement (spec.md P3; §4.5 step 6 "on any
// failure in the region, roll back all pending changes"). It transfers
// scripAmount back from charger to payer and removes the exact usage
// entries the original settlement recorded, identified by timestamp so
// a concurrent, unrelated charge on the same pair isn't undone instead.
func (l *Ledger) ReverseSettlement(r SettlementReceipt) {
	if !r.applied() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.ScripAmount > 0 {
		chargerP, ok := l.principals[r.Charger]
		if ok && chargerP.Scrip >= r.ScripAmount {
			payerP := l.ensurePrincipalLocked(r.Payer)
			chargerP.Scrip -= r.ScripAmount
			payerP.Scrip += r.ScripAmount
			now := l.now()
			chargerP.UpdatedAt = now
			payerP.UpdatedAt = now
			l.recordTransferLocked(r.Charger, r.Payer, r.ScripAmount, "settlement reversal", false, "", r.Charger)
		}
		if r.DelegationKey != "" {
			entries, found := removeUsageEntry(l.delegationUsage[r.DelegationKey], r.At, r.ScripAmount)
			if found {
				l.delegationUsage[r.DelegationKey] = entries
			}
		}
	}

	for _, rc := range r.ResourceCharges {
		q, err := l.quotaLocked(r.Payer, rc.Resource)
		if err != nil {
			continue
		}
		entries, found := removeUsageEntry(q.Entries, r.At, rc.Amount)
		if found {
			q.Entries = entries
			q.Used -= rc.Amount
		}
	}
}

// removeUsageEntry removes the first entry matching (at, amount) and
// reports whether one was found, leaving entries untouched if the
// window already pruned it away in the meantime.
func removeUsageEntry(entries []ledgerdom.UsageEntry, at time.Time, amount int64) ([]ledgerdom.UsageEntry, bool) {
	for i, e := range entries {
		if e.At.Equal(at) && e.Amount == amount {
			out := append([]ledgerdom.UsageEntry(nil), entries[:i]...)
			out = append(out, entries[i+1:]...)
			return out, true
		}
	}
	return entries, false
}
