// Package executor implements the ActionExecutor: the narrow waist of
// ~11 action primitives every agent step and every trigger-fired
// invocation flows through. SPEC_FULL.md §4.5.
//
// The request/response and settlement-before-effect shape is
// spec-original; the "resolve → authorize → settle → apply → log"
// pipeline generalizes the teacher's system/engine/invocable.go
// MethodResult/ServiceRequest request-response idiom from a blockchain
// callback shape to the kernel's own action set.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/r3e-network/econe/domain/action"
	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/contractdom"
	"github.com/r3e-network/econe/domain/delegationdom"
	"github.com/r3e-network/econe/domain/ledgerdom"
	"github.com/r3e-network/econe/domain/mintdom"
	"github.com/r3e-network/econe/domain/triggerdom"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/internal/contract"
	"github.com/r3e-network/econe/internal/eventlog"
	"github.com/r3e-network/econe/internal/invocation"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/sandbox"
	"github.com/r3e-network/econe/internal/store"
	"github.com/r3e-network/econe/internal/trigger"
	"github.com/r3e-network/econe/pkg/kernelerr"
	"github.com/r3e-network/econe/pkg/logger"
)

// NativeInvokable is a built-in artifact implementation that bypasses
// the sandbox — used for the LLM-gateway and the mint engine, which
// must run kernel-trusted Go code rather than untrusted script
// (SPEC_FULL.md §4.6/§4.7 expansions).
type NativeInvokable interface {
	Invoke(ctx context.Context, caller, method string, args []any) (any, error)
}

// ExecutableContent is the parsed Content of an executable artifact.
type ExecutableContent struct {
	Script string `json:"script"`
}

// MintProvider exposes the MintEngine's submission history to
// query_kernel's "mint" query type, without the executor depending on
// internal/mint's concrete escrow/test-running machinery.
type MintProvider interface {
	Submissions() []mintdom.Submission
}

// Config wires every component the executor sits between.
type Config struct {
	Store      *store.Store
	Ledger     *ledger.Ledger
	Contract   *contract.Engine
	Trigger    *trigger.Registry
	EventLog   *eventlog.EventLog
	Invocation *invocation.Registry
	Sandbox    *sandbox.Engine
	Clock      *clock.Clock
	IDs        *clock.IdRegistry
	Mint       MintProvider

	DefaultInvokeTimeout time.Duration
	RequireExplicitContractOnWrite bool

	Logger *logger.Logger
}

// Executor is the ActionExecutor.
type Executor struct {
	store      *store.Store
	ledger     *ledger.Ledger
	contract   *contract.Engine
	trigger    *trigger.Registry
	events     *eventlog.EventLog
	invocation *invocation.Registry
	sandbox    *sandbox.Engine
	clock      *clock.Clock
	ids        *clock.IdRegistry
	mint       MintProvider

	natives map[string]NativeInvokable

	wakesMu sync.Mutex
	wakes   map[string][]triggerdom.WakeEvent

	invokeTimeout          time.Duration
	requireExplicitContract bool

	log *logger.Logger
}

// New returns a ready Executor.
func New(cfg Config) *Executor {
	if cfg.DefaultInvokeTimeout <= 0 {
		cfg.DefaultInvokeTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("executor")
	}
	return &Executor{
		store: cfg.Store, ledger: cfg.Ledger, contract: cfg.Contract,
		trigger: cfg.Trigger, events: cfg.EventLog, invocation: cfg.Invocation,
		sandbox: cfg.Sandbox, clock: cfg.Clock, ids: cfg.IDs, mint: cfg.Mint,
		natives:                 make(map[string]NativeInvokable),
		wakes:                   make(map[string][]triggerdom.WakeEvent),
		invokeTimeout:           cfg.DefaultInvokeTimeout,
		requireExplicitContract: cfg.RequireExplicitContractOnWrite,
		log:                     cfg.Logger,
	}
}

// ArtifactExists reports whether id is currently stored — used by the
// scheduler to detect agent termination when a principal artifact is
// deleted (spec.md §4.6 "Agent termination").
func (e *Executor) ArtifactExists(_ context.Context, id string) bool {
	return e.store.Exists(id)
}

// RegisterNative wires a built-in artifact id to a NativeInvokable
// implementation (the LLM gateway, the mint engine).
func (e *Executor) RegisterNative(artifactID string, impl NativeInvokable) {
	e.natives[artifactID] = impl
}

// Execute runs one action to completion, settlement-before-effect, and
// returns a Result that is always safe to show the agent and to log.
func (e *Executor) Execute(ctx context.Context, intent action.Intent) action.Result {
	if intent.Caller == "" {
		return e.fail(kernelerr.New(kernelerr.InvalidArgument, "caller is required"))
	}
	if !action.Valid(intent.Type) {
		return e.fail(kernelerr.New(kernelerr.InvalidArgument, fmt.Sprintf("unknown action_type %q", intent.Type)))
	}

	e.events.Append(eventlog.Event{
		EventType:   eventlog.TypeAction,
		PrincipalID: intent.Caller,
		ActionType:  string(intent.Type),
		Reasoning:   intent.Reasoning,
	})

	var result action.Result
	switch intent.Type {
	case action.Noop:
		result = e.ok(nil)
	case action.ReadArtifact:
		result = e.readArtifact(ctx, intent)
	case action.WriteArtifact:
		result = e.writeArtifact(ctx, intent)
	case action.EditArtifact:
		result = e.editArtifact(ctx, intent)
	case action.DeleteArtifact:
		result = e.deleteArtifact(ctx, intent)
	case action.InvokeArtifact:
		result = e.invokeArtifact(ctx, intent)
	case action.Transfer:
		result = e.transfer(ctx, intent)
	case action.Mint:
		result = e.mint(ctx, intent)
	case action.QueryKernel:
		result = e.queryKernel(ctx, intent)
	case action.SubscribeArtifact:
		result = e.subscribeArtifact(ctx, intent)
	case action.UnsubscribeArtifact:
		result = e.unsubscribeArtifact(ctx, intent)
	default:
		result = e.fail(kernelerr.New(kernelerr.InvalidArgument, "unhandled action_type"))
	}

	if e.invocation != nil && intent.Type == action.InvokeArtifact {
		e.invocation.Record(invocation.Record{
			InvokerID: intent.Caller, ArtifactID: intent.Target, Method: intent.Method,
			Success: result.Success, ErrorKind: result.ErrorKind,
		})
	}

	ev := e.events.Append(eventlog.Event{
		EventType:   successEventType(intent.Type, result.Success),
		PrincipalID: intent.Caller,
		ArtifactID:  intent.Target,
		ActionType:  string(intent.Type),
		Error:       result.Message,
		Reward:      result.ScripCharged,
	})
	result.EventNumber = ev.EventNumber
	result.At = ev.Timestamp

	if result.Success {
		for _, pending := range e.trigger.Fire(ev) {
			e.runTriggerCallback(ctx, pending)
		}
	}

	return result
}

func successEventType(t action.Type, success bool) eventlog.Type {
	if t == action.InvokeArtifact {
		if success {
			return eventlog.TypeInvokeSuccess
		}
		return eventlog.TypeInvokeFailure
	}
	if !success {
		return eventlog.TypeError
	}
	switch t {
	case action.Transfer:
		return eventlog.TypeTransfer
	case action.Mint:
		return eventlog.TypeMint
	default:
		return eventlog.TypeAction
	}
}

func (e *Executor) ok(data any) action.Result {
	return action.Result{Success: true, Data: data}
}

func (e *Executor) fail(err error) action.Result {
	ke, ok := err.(*kernelerr.KernelError)
	if !ok {
		return action.Result{Success: false, Message: err.Error()}
	}
	return action.Result{Success: false, ErrorKind: string(ke.Kind), Message: ke.Error()}
}

// --- authorization -----------------------------------------------------

// authorize consults the ContractEngine and returns both the decision
// and the resolved contract artifact (needed for charge-payer
// resolution), or a kernel error if the check itself failed.
func (e *Executor) authorize(ctx context.Context, caller, target, actionName string) (contractdom.PermissionResult, *artifact.Artifact, error) {
	targetArtifact, err := e.store.Get(target)
	if err != nil {
		return contractdom.PermissionResult{}, nil, err
	}

	res, err := e.contract.Check(ctx, contractdom.CheckContext{
		Caller: caller, Target: target, Action: actionName, EventNumber: e.clock.Current(),
	}, 0)
	if err != nil {
		return contractdom.PermissionResult{}, nil, err
	}
	if !res.Allowed() {
		return res, targetArtifact, kernelerr.PermissionDeniedf("%s", res.Reason)
	}

	contractID := targetArtifact.AccessContractID
	if contractID == "" {
		contractID = e.contract.DefaultAccessContract()
	}
	var contractArtifact *artifact.Artifact
	if contractID != "" {
		var getErr error
		if contractArtifact, getErr = e.store.Get(contractID); getErr != nil {
			// dangling contract: Check ran against the default, so resolve that.
			contractArtifact, _ = e.store.Get(e.contract.DefaultAccessContract())
		}
	}
	return res, contractArtifact, nil
}

// settlement is what a settle call applied to the ledger, kept so a
// gated effect performed afterward can ask for a precise reversal if it
// goes on to fail (spec.md P3; §4.5 step 6 "roll back all pending
// changes").
type settlement struct {
	charged  int64
	receipts []ledger.SettlementReceipt
}

// settle resolves payers for every scrip/resource charge in res and
// applies them atomically via the Ledger, ahead of the gated operation.
func (e *Executor) settle(caller string, target, contractArtifact *artifact.Artifact, res contractdom.PermissionResult) (settlement, error) {
	var s settlement
	contractCreator := ""
	if contractArtifact != nil {
		contractCreator = contractArtifact.CreatedBy
	}

	var resourceCharges []ledger.ResourceCharge
	for _, rc := range res.ResourceCharges {
		resourceCharges = append(resourceCharges, ledger.ResourceCharge{Resource: ledgerdom.Resource(rc.Resource), Amount: rc.Amount})
	}

	for _, sc := range res.ScripCharges {
		payer, err := e.resolveScripPayer(sc, caller, target.CreatedBy, contractCreator)
		if err != nil {
			return s, err
		}
		delegationCheck := e.delegationCheck(payer)
		receipt, err := e.ledger.AtomicSettle(payer, contractCreator, sc.Amount, resourceCharges, delegationCheck)
		if err != nil {
			return s, err
		}
		s.receipts = append(s.receipts, receipt)
		resourceCharges = nil // only charge resources once, against the first payer
		s.charged += sc.Amount
	}

	if len(res.ScripCharges) == 0 && len(resourceCharges) > 0 {
		delegationCheck := e.delegationCheck(caller)
		receipt, err := e.ledger.AtomicSettle(caller, contractCreator, 0, resourceCharges, delegationCheck)
		if err != nil {
			return s, err
		}
		s.receipts = append(s.receipts, receipt)
	}

	return s, nil
}

// rollbackSettlement reverses every settlement applied ahead of a gated
// effect that subsequently failed, so the ledger ends where it started.
func (e *Executor) rollbackSettlement(s settlement) {
	for _, r := range s.receipts {
		e.ledger.ReverseSettlement(r)
	}
}

// applyStateUpdates persists the contract-state mutation a permission
// check requested, atomically with the operation it gated. Per
// domain/contractdom.PermissionResult.StateUpdates, this replaces the
// CONTRACT artifact's own content — e.g. a subscriber list or an
// auction book — never the target artifact's content.
func (e *Executor) applyStateUpdates(contractArtifact *artifact.Artifact, permission contractdom.PermissionResult) error {
	if permission.StateUpdates == nil || contractArtifact == nil {
		return nil
	}
	contractArtifact.Content = permission.StateUpdates
	contractArtifact.UpdatedAt = time.Now()
	return e.store.Put(contractArtifact)
}

func (e *Executor) resolveScripPayer(sc contractdom.ScripCharge, caller, targetCreator, contractCreator string) (string, error) {
	switch sc.Payer {
	case contractdom.ChargeCaller, "":
		return caller, nil
	case contractdom.ChargeTargetArtifact:
		return targetCreator, nil
	case contractdom.ChargeContract:
		return contractCreator, nil
	}
	if strings.HasPrefix(string(sc.Payer), contractdom.ChargePoolPrefix) {
		return strings.TrimPrefix(string(sc.Payer), contractdom.ChargePoolPrefix), nil
	}
	return "", kernelerr.New(kernelerr.InvalidArgument, fmt.Sprintf("unknown charge payer %q", sc.Payer))
}

func (e *Executor) delegationCheck(payer string) ledger.DelegationCheck {
	return func(p, charger string, t time.Time) (delegationdom.Entry, bool) {
		a, err := e.store.Get(delegationdom.ArtifactID(p))
		if err != nil {
			return delegationdom.Entry{}, false
		}
		var d delegationdom.Delegation
		if err := json.Unmarshal(a.Content, &d); err != nil {
			return delegationdom.Entry{}, false
		}
		return d.Find(charger, t)
	}
}

func (e *Executor) runTriggerCallback(ctx context.Context, p trigger.PendingInvocation) {
	if p.Target == "" || p.Method == "" {
		return
	}
	res := e.Execute(ctx, action.Intent{
		Type: action.InvokeArtifact, Caller: p.Caller, Target: p.Target,
		Method: p.Method, Args: p.Args, Reasoning: "trigger callback",
	})
	if !res.Success {
		e.log.WithField("trigger_id", p.TriggerID).WithField("target", p.Target).
			Warn("trigger callback invocation failed")
	}
}
