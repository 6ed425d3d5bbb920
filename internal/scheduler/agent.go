package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/r3e-network/econe/domain/action"
	"github.com/r3e-network/econe/domain/triggerdom"
	"github.com/r3e-network/econe/internal/executor"
	"github.com/r3e-network/econe/pkg/kernelerr"
)

// HistoryEntry is one past step's outcome, kept in an agent's
// action-history ring (spec.md §4.6 step 6).
type HistoryEntry struct {
	Intent action.Intent
	Result action.Result
}

// AgentConfig configures one agent's loop.
type AgentConfig struct {
	AgentID            string
	GatewayArtifactID  string // defaults to "kernel/llm-gateway"
	SystemPrompt       string
	CognitiveSchema    string // "standard" (default) or "ooda"
	HistoryCapacity    int    // default 20
	FailureCapacity    int    // default 20
	TokenBudget        int    // default 6000
	GatewayMaxTokens    int    // default 1024, passed to the gateway's own completion call
}

// Agent runs one agent's per-step loop: prompt assembly, LLM call,
// action parse, execution, feedback capture (spec.md §4.6).
type Agent struct {
	cfg AgentConfig
	ex  *executor.Executor

	history []HistoryEntry
	failures []HistoryEntry

	metacognitiveNotes []string
	lastResult         *action.Result
}

// NewAgent returns a ready Agent bound to ex.
func NewAgent(cfg AgentConfig, ex *executor.Executor) *Agent {
	if cfg.GatewayArtifactID == "" {
		cfg.GatewayArtifactID = "kernel/llm-gateway"
	}
	if cfg.CognitiveSchema == "" {
		cfg.CognitiveSchema = "standard"
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = 20
	}
	if cfg.FailureCapacity <= 0 {
		cfg.FailureCapacity = 20
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 6000
	}
	if cfg.GatewayMaxTokens <= 0 {
		cfg.GatewayMaxTokens = 1024
	}
	return &Agent{cfg: cfg, ex: ex}
}

// Step runs one full iteration: assemble → LLM call → parse → execute →
// record. It never returns an error for a failed *action* — that comes
// back inside the action.Result — only for infrastructure failures
// (gateway unreachable, malformed model output) that leave nothing to
// record as an action at all.
func (a *Agent) Step(ctx context.Context) (action.Result, error) {
	wakes := a.ex.DrainWakes(a.cfg.AgentID)

	system, userTurn := a.assemblePrompt(wakes)

	gatewayResult := a.ex.Execute(ctx, action.Intent{
		Type: action.InvokeArtifact, Caller: a.cfg.AgentID, Target: a.cfg.GatewayArtifactID,
		Method: "complete", Args: []any{system, userTurn, a.cfg.GatewayMaxTokens},
		Reasoning: "cognition step",
	})
	if !gatewayResult.Success {
		return gatewayResult, kernelerr.New(kernelerr.Kind(gatewayResult.ErrorKind), gatewayResult.Message)
	}

	text, _ := gatewayResult.Data.(string)
	intent, err := parseIntent(text, a.cfg.CognitiveSchema)
	if err != nil {
		return action.Result{}, err
	}
	intent.Caller = a.cfg.AgentID

	result := a.ex.Execute(ctx, intent)
	a.record(intent, result)
	return result, nil
}

func parseIntent(text, schema string) (action.Intent, error) {
	var intent action.Intent
	if err := json.Unmarshal([]byte(text), &intent); err != nil {
		return action.Intent{}, kernelerr.Wrap(kernelerr.InvalidArgument, "model output did not parse as an action intent", err)
	}
	if intent.Reasoning == "" {
		return action.Intent{}, kernelerr.New(kernelerr.InvalidArgument, "action intent is missing required reasoning")
	}
	if schema == "ooda" && (intent.SituationAssessment == "" || intent.ActionRationale == "") {
		return action.Intent{}, kernelerr.New(kernelerr.InvalidArgument, "ooda schema requires situation_assessment and action_rationale")
	}
	if !action.Valid(intent.Type) {
		return action.Intent{}, kernelerr.New(kernelerr.InvalidArgument, fmt.Sprintf("model proposed unknown action_type %q", intent.Type))
	}
	return intent, nil
}

func (a *Agent) record(intent action.Intent, result action.Result) {
	entry := HistoryEntry{Intent: intent, Result: result}
	a.history = append(a.history, entry)
	if len(a.history) > a.cfg.HistoryCapacity {
		a.history = a.history[len(a.history)-a.cfg.HistoryCapacity:]
	}
	if !result.Success {
		a.failures = append(a.failures, entry)
		if len(a.failures) > a.cfg.FailureCapacity {
			a.failures = a.failures[len(a.failures)-a.cfg.FailureCapacity:]
		}
	}
	a.lastResult = &result
}

func (a *Agent) assemblePrompt(wakes []triggerdom.WakeEvent) (system, userTurn string) {
	sections := []PromptSection{
		{Name: "system_prompt", Priority: 100, Text: a.cfg.SystemPrompt},
		{Name: "action_schema", Priority: 95, Text: actionSchemaText()},
		{Name: "current_state", Priority: 80, Text: fmt.Sprintf("agent_id: %s\ncognitive_schema: %s", a.cfg.AgentID, a.cfg.CognitiveSchema)},
		{Name: "last_action_result", Priority: 70, Text: a.renderLastResult()},
		{Name: "subscription_wakes", Priority: 65, Text: renderWakes(wakes), Disabled: len(wakes) == 0},
		{Name: "action_history", Priority: 50, Text: a.renderHistory()},
		{Name: "failure_history", Priority: 45, Text: a.renderFailures()},
		{Name: "metacognitive_notes", Priority: 40, Text: a.renderNotes()},
	}
	system, userTurn, _ = Assemble(sections, a.cfg.TokenBudget)
	return system, userTurn
}

func (a *Agent) renderLastResult() string {
	if a.lastResult == nil {
		return ""
	}
	b, _ := json.Marshal(a.lastResult)
	return string(b)
}

func (a *Agent) renderHistory() string {
	if len(a.history) == 0 {
		return ""
	}
	b, _ := json.Marshal(a.history)
	return string(b)
}

func (a *Agent) renderFailures() string {
	if len(a.failures) == 0 {
		return ""
	}
	b, _ := json.Marshal(a.failures)
	return string(b)
}

func (a *Agent) renderNotes() string {
	if len(a.metacognitiveNotes) == 0 {
		return ""
	}
	out := ""
	for _, n := range a.metacognitiveNotes {
		out += "- " + n + "\n"
	}
	return out
}

func renderWakes(wakes []triggerdom.WakeEvent) string {
	if len(wakes) == 0 {
		return ""
	}
	b, _ := json.Marshal(wakes)
	return string(b)
}

func actionSchemaText() string {
	b, _ := json.Marshal(action.All())
	return "Respond with exactly one JSON object shaped like the Intent schema. " +
		"action_type must be one of: " + string(b) + ". reasoning is always required."
}
