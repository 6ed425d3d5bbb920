package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/econe/domain/action"
	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/contractdom"
	"github.com/r3e-network/econe/domain/delegationdom"
	"github.com/r3e-network/econe/domain/ledgerdom"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/internal/contract"
	"github.com/r3e-network/econe/internal/eventlog"
	"github.com/r3e-network/econe/internal/invocation"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/sandbox"
	"github.com/r3e-network/econe/internal/store"
	"github.com/r3e-network/econe/internal/trigger"
	"github.com/r3e-network/econe/pkg/logger"
)

const freewareContract = "contract:freeware"

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	ids := clock.NewIdRegistry()
	st := store.New(ids)

	content, err := json.Marshal(contractdom.Content{Script: `function check_permission(ctx) { return {access: "allow", reason: "free"}; }`})
	require.NoError(t, err)
	require.NoError(t, st.Put(&artifact.Artifact{
		ID: freewareContract, Type: artifact.TypeContract, CreatedBy: "kernel",
		Content: content, KernelProtected: true,
	}))

	quotas := ledger.QuotaConfig{
		ledgerdom.ResourceLLMDollars: {Limit: 1000, WindowSeconds: 3600},
	}
	led := ledger.New(ledger.Config{QuotaConfig: quotas, IdRegistry: ids})
	led.Grant("kernel", "can_mint")

	sbox := sandbox.NewEngine()
	clk := clock.New()
	contractEngine := contract.New(contract.Config{
		Store: st, Sandbox: sbox, Clock: clk, DefaultAccessContract: freewareContract,
	})
	trig := trigger.New(ids)
	evlog := eventlog.New(eventlog.Config{Clock: clk, Logger: logger.NewDefault("test")})
	inv := invocation.New(0)

	return New(Config{
		Store: st, Ledger: led, Contract: contractEngine, Trigger: trig,
		EventLog: evlog, Invocation: inv, Sandbox: sbox, Clock: clk, IDs: ids,
		Logger: logger.NewDefault("test"),
	})
}

func TestWriteThenReadArtifactRoundTrips(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	res := e.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:a", Target: "data:x",
		Content: []byte(`"hello"`), AccessContractID: freewareContract,
	})
	require.True(t, res.Success, res.Message)

	res = e.Execute(ctx, action.Intent{Type: action.ReadArtifact, Caller: "agent:b", Target: "data:x"})
	require.True(t, res.Success, res.Message)
	a, ok := res.Data.(*artifact.Artifact)
	require.True(t, ok)
	assert.Equal(t, "agent:a", a.CreatedBy)
	assert.JSONEq(t, `"hello"`, string(a.Content))
}

func TestWriteArtifactRequiresExplicitContractWhenConfigured(t *testing.T) {
	e := newTestExecutor(t)
	e.requireExplicitContract = true

	res := e.Execute(context.Background(), action.Intent{
		Type: action.WriteArtifact, Caller: "agent:a", Target: "data:y", Content: []byte(`1`),
	})
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_argument", res.ErrorKind)
}

func TestEditArtifactAppliesContentPatch(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	require.True(t, e.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:a", Target: "data:z",
		Content: []byte(`"v1"`), AccessContractID: freewareContract,
	}).Success)

	res := e.Execute(ctx, action.Intent{
		Type: action.EditArtifact, Caller: "agent:a", Target: "data:z",
		Patch: action.Patch{Value: `"v2"`},
	})
	require.True(t, res.Success, res.Message)

	read := e.Execute(ctx, action.Intent{Type: action.ReadArtifact, Caller: "agent:a", Target: "data:z"})
	a := read.Data.(*artifact.Artifact)
	assert.Equal(t, `"v2"`, string(a.Content))
}

func TestDeleteArtifactRejectsKernelProtected(t *testing.T) {
	e := newTestExecutor(t)
	res := e.Execute(context.Background(), action.Intent{
		Type: action.DeleteArtifact, Caller: "agent:a", Target: freewareContract,
	})
	assert.False(t, res.Success)
	assert.Equal(t, "protected", res.ErrorKind)
}

func TestInvokeArtifactRunsSandboxScriptEntryPoint(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	script := `function greet(name) { return "hello " + name; }`
	content, _ := json.Marshal(ExecutableContent{Script: script})
	require.True(t, e.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:a", Target: "exec:greeter",
		Content: content, AccessContractID: freewareContract,
		Interface: map[string]artifact.MethodSchema{
			"greet": {Args: []artifact.FieldSchema{{Name: "name", Required: true}}},
		},
	}).Success)

	res := e.Execute(ctx, action.Intent{
		Type: action.InvokeArtifact, Caller: "agent:b", Target: "exec:greeter",
		Method: "greet", Args: []any{"world"},
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "hello world", res.Data)
}

func TestInvokeArtifactRejectsMethodNotInInterface(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	script := `function greet(name) { return "hello " + name; }`
	content, _ := json.Marshal(ExecutableContent{Script: script})
	require.True(t, e.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:a", Target: "exec:greeter2",
		Content: content, AccessContractID: freewareContract,
		Interface: map[string]artifact.MethodSchema{
			"greet": {Args: []artifact.FieldSchema{{Name: "name", Required: true}}},
		},
	}).Success)

	res := e.Execute(ctx, action.Intent{
		Type: action.InvokeArtifact, Caller: "agent:b", Target: "exec:greeter2",
		Method: "farewell", Args: []any{"world"},
	})
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_argument", res.ErrorKind)
}

func TestInvokeArtifactRejectsMissingRequiredArg(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	script := `function greet(name) { return "hello " + name; }`
	content, _ := json.Marshal(ExecutableContent{Script: script})
	require.True(t, e.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:a", Target: "exec:greeter3",
		Content: content, AccessContractID: freewareContract,
		Interface: map[string]artifact.MethodSchema{
			"greet": {Args: []artifact.FieldSchema{{Name: "name", Required: true}}},
		},
	}).Success)

	res := e.Execute(ctx, action.Intent{
		Type: action.InvokeArtifact, Caller: "agent:b", Target: "exec:greeter3",
		Method: "greet", Args: nil,
	})
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_argument", res.ErrorKind)
}

func TestInvokeArtifactAutoParsesJSONStringArgs(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	script := `function describe(obj) { return obj.name + " is " + obj.age; }`
	content, _ := json.Marshal(ExecutableContent{Script: script})
	require.True(t, e.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:a", Target: "exec:describer",
		Content: content, AccessContractID: freewareContract,
	}).Success)

	res := e.Execute(ctx, action.Intent{
		Type: action.InvokeArtifact, Caller: "agent:b", Target: "exec:describer",
		Method: "describe", Args: []any{`{"name": "rex", "age": 3}`},
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "rex is 3", res.Data)
}

// TestInvokeArtifactRefundsSettlementWhenSandboxFails covers the P3
// atomicity invariant: a contract that assesses a scrip charge must not
// leave the payer out of pocket when the gated invocation itself fails.
func TestInvokeArtifactRefundsSettlementWhenSandboxFails(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	delegation := delegationdom.Delegation{
		Payer:   "agent:payer",
		Entries: []delegationdom.Entry{{ChargerID: "agent:banker", PerCallCap: 50}},
	}
	delegationContent, err := json.Marshal(delegation)
	require.NoError(t, err)
	require.NoError(t, e.store.Put(&artifact.Artifact{
		ID: delegationdom.ArtifactID("agent:payer"), Type: artifact.TypeChargeDelegation, CreatedBy: "agent:payer",
		Content: delegationContent, KernelProtected: true,
	}))

	payingContract := "contract:paying"
	paidContent, err := json.Marshal(contractdom.Content{
		Script: `function check_permission(ctx) { return {access: "allow", reason: "paid", scrip_charges: [{amount: 15, payer: "caller"}]}; }`,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.Put(&artifact.Artifact{
		ID: payingContract, Type: artifact.TypeContract, CreatedBy: "agent:banker",
		Content: paidContent, KernelProtected: true,
	}))
	e.ledger.Grant("kernel", "can_mint")
	require.NoError(t, e.ledger.Mint("agent:payer", 100, "seed", "kernel"))
	e.ledger.EnsurePrincipal("agent:banker")

	script := `function boom() { throw new Error("boom"); }`
	content, _ := json.Marshal(ExecutableContent{Script: script})
	require.True(t, e.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:a", Target: "exec:faulty",
		Content: content, AccessContractID: payingContract,
	}).Success)

	payerBefore := e.ledger.Balance("agent:payer")
	bankerBefore := e.ledger.Balance("agent:banker")
	res := e.Execute(ctx, action.Intent{
		Type: action.InvokeArtifact, Caller: "agent:payer", Target: "exec:faulty", Method: "boom",
	})
	assert.False(t, res.Success)
	assert.Equal(t, payerBefore, e.ledger.Balance("agent:payer"))
	assert.Equal(t, bankerBefore, e.ledger.Balance("agent:banker"))
}

func TestTransferMovesScripBetweenPrincipals(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	require.True(t, e.Execute(ctx, action.Intent{Type: action.Mint, Caller: "kernel", Recipient: "agent:a", Amount: 100, Reason: "seed"}).Success)
	e.ledger.EnsurePrincipal("agent:b") // simulates agent:b's has_standing artifact already existing

	res := e.Execute(ctx, action.Intent{Type: action.Transfer, Caller: "agent:a", Recipient: "agent:b", Amount: 40, Memo: "payment"})
	require.True(t, res.Success, res.Message)

	assert.EqualValues(t, 60, e.ledger.Balance("agent:a"))
	assert.EqualValues(t, 40, e.ledger.Balance("agent:b"))
}

func TestMintRequiresCanMintCapability(t *testing.T) {
	e := newTestExecutor(t)
	res := e.Execute(context.Background(), action.Intent{Type: action.Mint, Caller: "agent:nobody", Recipient: "agent:a", Amount: 10})
	assert.False(t, res.Success)
	assert.Equal(t, "permission_denied", res.ErrorKind)
}

func TestQueryKernelArtifactsAndDependencies(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	require.True(t, e.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:a", Target: "data:dep",
		Content: []byte(`1`), AccessContractID: freewareContract,
	}).Success)

	res := e.Execute(ctx, action.Intent{Type: action.QueryKernel, Caller: "agent:a", QueryType: "artifacts"})
	require.True(t, res.Success)
	list, ok := res.Data.([]*artifact.Artifact)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(list), 2) // the freeware contract plus data:dep

	res = e.Execute(ctx, action.Intent{Type: action.QueryKernel, Caller: "agent:a", QueryType: "unknown_type"})
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_argument", res.ErrorKind)
}

func TestSubscribeDeliversWakeThenUnsubscribeStopsIt(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	require.True(t, e.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:a", Target: "data:watched",
		Content: []byte(`1`), AccessContractID: freewareContract,
	}).Success)

	res := e.Execute(ctx, action.Intent{Type: action.SubscribeArtifact, Caller: "agent:watcher", Target: "data:watched"})
	require.True(t, res.Success)

	require.True(t, e.Execute(ctx, action.Intent{
		Type: action.EditArtifact, Caller: "agent:a", Target: "data:watched",
		Patch: action.Patch{Value: `2`},
	}).Success)

	wakes := e.DrainWakes("agent:watcher")
	require.Len(t, wakes, 1)
	assert.Equal(t, "data:watched", wakes[0].Source)

	require.True(t, e.Execute(ctx, action.Intent{Type: action.UnsubscribeArtifact, Caller: "agent:watcher", Target: "data:watched"}).Success)

	require.True(t, e.Execute(ctx, action.Intent{
		Type: action.EditArtifact, Caller: "agent:a", Target: "data:watched",
		Patch: action.Patch{Value: `3`},
	}).Success)
	assert.Empty(t, e.DrainWakes("agent:watcher"))
}

func TestExecuteRejectsUnknownActionType(t *testing.T) {
	e := newTestExecutor(t)
	res := e.Execute(context.Background(), action.Intent{Type: action.Type("teleport"), Caller: "agent:a"})
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_argument", res.ErrorKind)
}

func TestNoopAlwaysSucceeds(t *testing.T) {
	e := newTestExecutor(t)
	res := e.Execute(context.Background(), action.Intent{Type: action.Noop, Caller: "agent:a"})
	assert.True(t, res.Success)
}
