// Package action defines the closed set of ~11 action primitives that
// flow through the ActionExecutor narrow waist, plus the intent/result
// envelopes around them. SPEC_FULL.md §4.5 / §6.
package action

import (
	"time"

	"github.com/r3e-network/econe/domain/artifact"
)

// Type is the closed enumeration of action primitives. Every agent
// action and every trigger-fired invocation is exactly one of these.
type Type string

const (
	Noop                Type = "noop"
	ReadArtifact        Type = "read_artifact"
	WriteArtifact       Type = "write_artifact"
	EditArtifact        Type = "edit_artifact"
	DeleteArtifact      Type = "delete_artifact"
	InvokeArtifact      Type = "invoke_artifact"
	Transfer            Type = "transfer"
	Mint                Type = "mint"
	QueryKernel         Type = "query_kernel"
	SubscribeArtifact   Type = "subscribe_artifact"
	UnsubscribeArtifact Type = "unsubscribe_artifact"
)

// All enumerates every valid Type, used for validating agent output and
// for building the "closed set" schema section of a prompt.
func All() []Type {
	return []Type{
		Noop, ReadArtifact, WriteArtifact, EditArtifact, DeleteArtifact,
		InvokeArtifact, Transfer, Mint, QueryKernel, SubscribeArtifact,
		UnsubscribeArtifact,
	}
}

// Valid reports whether t is one of the closed set.
func Valid(t Type) bool {
	for _, v := range All() {
		if v == t {
			return true
		}
	}
	return false
}

// Patch describes one field-level or content-range edit applied by
// edit_artifact. With Field "metadata", Value is merged into the
// metadata map. Otherwise a string Value replaces content bytes
// [RangeStart, RangeEnd) when RangeEnd > 0, or the whole content when
// RangeEnd is 0.
type Patch struct {
	Field      string `json:"field,omitempty"`
	RangeStart int    `json:"range_start,omitempty"`
	RangeEnd   int    `json:"range_end,omitempty"`
	Value      any    `json:"value"`
}

// Intent is the structured action an agent (or a fired trigger) proposes.
// Every field beyond Type/Reasoning is action-specific and may be zero.
type Intent struct {
	Type      Type   `json:"action_type"`
	Reasoning string `json:"reasoning"`

	// OODA cognitive-schema extras (spec.md §4.6 step 7 / §6).
	SituationAssessment string `json:"situation_assessment,omitempty"`
	ActionRationale     string `json:"action_rationale,omitempty"`

	Target           string            `json:"target,omitempty"`
	Content          []byte            `json:"content,omitempty"`
	AccessContractID string            `json:"access_contract_id,omitempty"`
	HasStanding      *bool             `json:"has_standing,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	// Interface declares the artifact's callable surface; carried
	// straight into artifact.Artifact.Interface on write_artifact.
	Interface map[string]artifact.MethodSchema `json:"interface,omitempty"`

	Patch Patch `json:"patch,omitempty"`

	Method string `json:"method,omitempty"`
	Args   []any  `json:"args,omitempty"`

	Recipient string `json:"recipient,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Memo      string `json:"memo,omitempty"`
	Reason    string `json:"reason,omitempty"`

	QueryType string         `json:"query_type,omitempty"`
	Params    map[string]any `json:"params,omitempty"`

	// Caller is populated by the kernel (not by the LLM) before the
	// intent reaches the executor.
	Caller string `json:"-"`
}

// Result is what the executor returns for any action, success or
// failure, and what gets logged to the event log.
type Result struct {
	Success     bool           `json:"success"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        any            `json:"data,omitempty"`
	EventNumber uint64         `json:"event_number"`
	ScripCharged int64         `json:"scrip_charged,omitempty"`
	ResourcesCharged map[string]int64 `json:"resources_charged,omitempty"`
	At          time.Time      `json:"at"`
}
