package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/r3e-network/econe/domain/action"
	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/contractdom"
	"github.com/r3e-network/econe/domain/ledgerdom"
	"github.com/r3e-network/econe/domain/triggerdom"
	"github.com/r3e-network/econe/internal/sandbox"
	"github.com/r3e-network/econe/internal/trigger"
	"github.com/r3e-network/econe/pkg/kernelerr"
)

func (e *Executor) readArtifact(ctx context.Context, intent action.Intent) action.Result {
	a, err := e.store.Get(intent.Target)
	if err != nil {
		return e.fail(err)
	}
	permission, contractArtifact, err := e.authorize(ctx, intent.Caller, intent.Target, string(action.ReadArtifact))
	if err != nil {
		return e.fail(err)
	}
	s, err := e.settle(intent.Caller, a, contractArtifact, permission)
	if err != nil {
		return e.fail(err)
	}
	if err := e.applyStateUpdates(contractArtifact, permission); err != nil {
		e.rollbackSettlement(s)
		return e.fail(err)
	}
	return action.Result{Success: true, Data: a, ScripCharged: s.charged}
}

// writeArtifact creates a new artifact (no access contract to consult
// yet — the writer names one on the intent) or overwrites an existing
// one (gated by that artifact's own access contract).
func (e *Executor) writeArtifact(ctx context.Context, intent action.Intent) action.Result {
	if intent.Target == "" {
		return e.fail(kernelerr.New(kernelerr.InvalidArgument, "target is required"))
	}

	existing, _ := e.store.Get(intent.Target)
	var s settlement
	var permission contractdom.PermissionResult
	var contractArtifact *artifact.Artifact

	if existing != nil {
		var err error
		permission, contractArtifact, err = e.authorize(ctx, intent.Caller, intent.Target, string(action.WriteArtifact))
		if err != nil {
			return e.fail(err)
		}
		s, err = e.settle(intent.Caller, existing, contractArtifact, permission)
		if err != nil {
			return e.fail(err)
		}
	} else if e.requireExplicitContract && intent.AccessContractID == "" {
		return e.fail(kernelerr.New(kernelerr.InvalidArgument, "access_contract_id is required on create"))
	}

	now := time.Now()
	accessContract := intent.AccessContractID
	createdBy := intent.Caller
	createdAtEvent := e.clock.Current()
	createdAt := now
	hasStanding := intent.HasStanding != nil && *intent.HasStanding
	var kernelProtected bool
	iface := intent.Interface

	if existing != nil {
		createdBy = existing.CreatedBy
		createdAtEvent = existing.CreatedAtEvent
		createdAt = existing.CreatedAt
		hasStanding = hasStanding || existing.HasStanding
		kernelProtected = existing.KernelProtected
		if accessContract == "" {
			accessContract = existing.AccessContractID
		}
		if iface == nil {
			iface = existing.Interface
		}
	}

	a := &artifact.Artifact{
		ID:               intent.Target,
		Type:             artifact.Type(typeOrDefault(intent.Metadata)),
		CreatedBy:        createdBy,
		Content:          intent.Content,
		Interface:        iface,
		AccessContractID: accessContract,
		HasStanding:      hasStanding,
		KernelProtected:  kernelProtected,
		Metadata:         intent.Metadata,
		CreatedAtEvent:   createdAtEvent,
		CreatedAt:        createdAt,
		UpdatedAt:        now,
	}
	if err := e.store.Put(a); err != nil {
		e.rollbackSettlement(s)
		return e.fail(err)
	}
	if err := e.applyStateUpdates(contractArtifact, permission); err != nil {
		e.rollbackSettlement(s)
		return e.fail(err)
	}
	if a.HasStanding {
		e.ledger.EnsurePrincipal(a.ID)
	}
	e.deliverWakes(e.trigger.NotifyChange(a.ID, map[string]any{"event": "written"}))

	return action.Result{Success: true, Data: a, ScripCharged: s.charged}
}

func (e *Executor) editArtifact(ctx context.Context, intent action.Intent) action.Result {
	a, err := e.store.Get(intent.Target)
	if err != nil {
		return e.fail(err)
	}
	permission, contractArtifact, err := e.authorize(ctx, intent.Caller, intent.Target, string(action.EditArtifact))
	if err != nil {
		return e.fail(err)
	}
	s, err := e.settle(intent.Caller, a, contractArtifact, permission)
	if err != nil {
		return e.fail(err)
	}

	switch intent.Patch.Field {
	case "metadata":
		if m, ok := intent.Patch.Value.(map[string]string); ok {
			if a.Metadata == nil {
				a.Metadata = map[string]string{}
			}
			for k, v := range m {
				a.Metadata[k] = v
			}
		}
	default:
		b, isString := intent.Patch.Value.(string)
		if isString && intent.Patch.RangeEnd > 0 {
			start, end := intent.Patch.RangeStart, intent.Patch.RangeEnd
			if start < 0 || start > end || end > len(a.Content) {
				e.rollbackSettlement(s)
				return e.fail(kernelerr.New(kernelerr.InvalidArgument, "patch range is outside the artifact content"))
			}
			spliced := append(append([]byte{}, a.Content[:start]...), b...)
			a.Content = append(spliced, a.Content[end:]...)
		} else if isString {
			a.Content = []byte(b)
		} else if len(intent.Content) > 0 {
			a.Content = intent.Content
		}
	}
	a.UpdatedAt = time.Now()
	if err := e.store.Put(a); err != nil {
		e.rollbackSettlement(s)
		return e.fail(err)
	}
	if err := e.applyStateUpdates(contractArtifact, permission); err != nil {
		e.rollbackSettlement(s)
		return e.fail(err)
	}
	e.deliverWakes(e.trigger.NotifyChange(a.ID, map[string]any{"event": "edited", "field": intent.Patch.Field}))

	return action.Result{Success: true, Data: a, ScripCharged: s.charged}
}

func (e *Executor) deleteArtifact(ctx context.Context, intent action.Intent) action.Result {
	a, err := e.store.Get(intent.Target)
	if err != nil {
		return e.fail(err)
	}
	permission, contractArtifact, err := e.authorize(ctx, intent.Caller, intent.Target, string(action.DeleteArtifact))
	if err != nil {
		return e.fail(err)
	}
	s, err := e.settle(intent.Caller, a, contractArtifact, permission)
	if err != nil {
		return e.fail(err)
	}
	dependents, err := e.store.Delete(intent.Target)
	if err != nil {
		e.rollbackSettlement(s)
		return e.fail(err)
	}
	// the target is gone; any state_updates apply to the contract
	// artifact that gated the delete, which may be a different artifact.
	if err := e.applyStateUpdates(contractArtifact, permission); err != nil {
		e.rollbackSettlement(s)
		return e.fail(err)
	}
	for _, dep := range dependents {
		e.deliverWakes(e.trigger.NotifyChange(dep, map[string]any{"event": "dependency_deleted", "deleted": intent.Target}))
	}

	return action.Result{Success: true, Data: map[string]any{"deleted": intent.Target, "dependents_notified": dependents}, ScripCharged: s.charged}
}

func (e *Executor) invokeArtifact(ctx context.Context, intent action.Intent) action.Result {
	if intent.Method == "" {
		return e.fail(kernelerr.New(kernelerr.InvalidArgument, "method is required"))
	}
	a, err := e.store.Get(intent.Target)
	if err != nil {
		return e.fail(err)
	}
	if err := validateMethodArgs(a.Interface, intent.Method, intent.Args); err != nil {
		return e.fail(err)
	}
	permission, contractArtifact, err := e.authorize(ctx, intent.Caller, intent.Target, string(action.InvokeArtifact))
	if err != nil {
		return e.fail(err)
	}
	s, err := e.settle(intent.Caller, a, contractArtifact, permission)
	if err != nil {
		return e.fail(err)
	}

	args := autoParseJSONArgs(intent.Args)

	if native, ok := e.natives[a.ID]; ok {
		out, err := native.Invoke(ctx, intent.Caller, intent.Method, args)
		if err != nil {
			e.rollbackSettlement(s)
			return e.fail(err)
		}
		if err := e.applyStateUpdates(contractArtifact, permission); err != nil {
			e.rollbackSettlement(s)
			return e.fail(err)
		}
		return action.Result{Success: true, Data: out, ScripCharged: s.charged}
	}

	var content ExecutableContent
	if err := json.Unmarshal(a.Content, &content); err != nil {
		e.rollbackSettlement(s)
		return e.fail(kernelerr.Wrap(kernelerr.InvariantViolation, "executable artifact content is malformed", err))
	}
	out, err := e.sandbox.Run(ctx, sandbox.Request{
		Script: content.Script, EntryPoint: intent.Method, Args: args, Timeout: e.invokeTimeout,
	})
	if err != nil {
		e.rollbackSettlement(s)
		return e.fail(err)
	}

	if err := e.applyStateUpdates(contractArtifact, permission); err != nil {
		e.rollbackSettlement(s)
		return e.fail(err)
	}

	return action.Result{Success: true, Data: out.Output, ScripCharged: s.charged}
}

// validateMethodArgs checks intent.Method against the target artifact's
// declared interface (spec.md §4.5 "method (must appear in its
// interface)"; SPEC_FULL.md §9 "argument schema is checked (names +
// presence)"). An artifact with no declared interface — natives and any
// executable that predates interface declaration — is left unrestricted;
// once an interface is declared, invocation is closed to it.
func validateMethodArgs(iface map[string]artifact.MethodSchema, method string, args []any) error {
	if len(iface) == 0 {
		return nil
	}
	schema, ok := iface[method]
	if !ok {
		return kernelerr.New(kernelerr.InvalidArgument, fmt.Sprintf("method %q is not declared in the artifact's interface", method))
	}
	for i, f := range schema.Args {
		if f.Required && i >= len(args) {
			return kernelerr.New(kernelerr.InvalidArgument,
				fmt.Sprintf("method %q is missing required argument %q at position %d", method, f.Name, i))
		}
	}
	return nil
}

// autoParseJSONArgs replaces any string argument that decodes as a JSON
// object or array with its decoded value, leaving scalars (numbers,
// bools, plain strings, JSON null) untouched (spec.md §4.5: "Args that
// are JSON strings are auto-parsed into objects (if and only if they
// parse to object or array)").
func autoParseJSONArgs(args []any) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			out[i] = a
			continue
		}
		trimmed := strings.TrimSpace(s)
		if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
			out[i] = a
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			out[i] = a
			continue
		}
		switch decoded.(type) {
		case map[string]any, []any:
			out[i] = decoded
		default:
			out[i] = a
		}
	}
	return out
}

func (e *Executor) transfer(_ context.Context, intent action.Intent) action.Result {
	if intent.Recipient == "" || intent.Amount <= 0 {
		return e.fail(kernelerr.New(kernelerr.InvalidArgument, "recipient and a positive amount are required"))
	}
	if err := e.ledger.Transfer(intent.Caller, intent.Recipient, intent.Amount, intent.Memo); err != nil {
		return e.fail(err)
	}
	return action.Result{Success: true, ScripCharged: intent.Amount}
}

func (e *Executor) mint(_ context.Context, intent action.Intent) action.Result {
	if intent.Recipient == "" || intent.Amount <= 0 {
		return e.fail(kernelerr.New(kernelerr.InvalidArgument, "recipient and a positive amount are required"))
	}
	if err := e.ledger.Mint(intent.Recipient, intent.Amount, intent.Reason, intent.Caller); err != nil {
		return e.fail(err)
	}
	return action.Result{Success: true, ScripCharged: intent.Amount}
}

// queryKernel serves the closed read-only introspection surface
// (spec.md §6): artifacts, artifact, principals, principal, balances,
// resources, quotas, mint, events, invocations, frozen, libraries,
// dependencies.
func (e *Executor) queryKernel(_ context.Context, intent action.Intent) action.Result {
	switch intent.QueryType {
	case "artifacts":
		return e.ok(e.store.List(nil))
	case "artifact":
		id, _ := intent.Params["id"].(string)
		a, err := e.store.Get(id)
		if err != nil {
			return e.fail(err)
		}
		return e.ok(a)
	case "principal", "principals", "balances":
		id, _ := intent.Params["id"].(string)
		return e.ok(map[string]any{"id": id, "balance": e.ledger.Balance(id)})
	case "quotas":
		id, _ := intent.Params["id"].(string)
		resource, _ := intent.Params["resource"].(string)
		q, err := e.ledger.Quota(id, ledgerdom.Resource(resource))
		if err != nil {
			return e.fail(err)
		}
		return e.ok(q)
	case "resources":
		return e.ok([]string{
			string(ledgerdom.ResourceLLMDollars), string(ledgerdom.ResourceLLMTokens),
			string(ledgerdom.ResourceDiskBytes), string(ledgerdom.ResourceComputeMS),
		})
	case "events":
		since, _ := intent.Params["since"].(float64)
		return e.ok(e.events.Since(uint64(since)))
	case "invocations":
		id, _ := intent.Params["id"].(string)
		return e.ok(map[string]any{
			"stats":  e.invocation.ArtifactStats(id),
			"recent": e.invocation.RecentForArtifact(id),
		})
	case "dependencies":
		id, _ := intent.Params["id"].(string)
		deps, err := e.store.ResolveDependencies(id)
		if err != nil {
			return e.fail(err)
		}
		return e.ok(deps)
	case "mint":
		if e.mint == nil {
			return e.ok(map[string]any{})
		}
		return e.ok(e.mint.Submissions())
	case "frozen", "libraries":
		// Served by higher-level components not yet wired (the
		// scheduler's suspension tracking, a future library index);
		// returns an empty result rather than an error so an agent can
		// always safely probe it.
		return e.ok(map[string]any{})
	default:
		return e.fail(kernelerr.New(kernelerr.InvalidArgument, fmt.Sprintf("unknown query_type %q", intent.QueryType)))
	}
}

func (e *Executor) subscribeArtifact(_ context.Context, intent action.Intent) action.Result {
	if intent.Target == "" {
		return e.fail(kernelerr.New(kernelerr.InvalidArgument, "target is required"))
	}
	id := e.trigger.Subscribe(intent.Target, intent.Caller)
	return action.Result{Success: true, Data: map[string]string{"subscription_id": id}}
}

func (e *Executor) unsubscribeArtifact(_ context.Context, intent action.Intent) action.Result {
	if err := e.trigger.Unsubscribe(intent.Target, intent.Caller); err != nil {
		return e.fail(err)
	}
	return e.ok(nil)
}

func (e *Executor) deliverWakes(targets []trigger.WakeTarget) {
	if len(targets) == 0 {
		return
	}
	e.wakesMu.Lock()
	defer e.wakesMu.Unlock()
	for _, t := range targets {
		e.wakes[t.SubscriberID] = append(e.wakes[t.SubscriberID], t.Event)
	}
}

// DrainWakes returns and clears every buffered wake event for
// subscriberID — called by the scheduler while assembling an agent's
// next invocation input (spec.md §4.3 "push, not poll").
func (e *Executor) DrainWakes(subscriberID string) []triggerdom.WakeEvent {
	e.wakesMu.Lock()
	defer e.wakesMu.Unlock()
	out := e.wakes[subscriberID]
	delete(e.wakes, subscriberID)
	return out
}

func typeOrDefault(metadata map[string]string) string {
	if metadata != nil {
		if t, ok := metadata["type"]; ok && t != "" {
			return t
		}
	}
	return string(artifact.TypeData)
}
