package kernel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/econe/domain/action"
	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/delegationdom"
	"github.com/r3e-network/econe/domain/mintdom"
	"github.com/r3e-network/econe/internal/bootstrap"
	"github.com/r3e-network/econe/internal/eventlog"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/pkg/kconfig"
	"github.com/r3e-network/econe/pkg/kernelerr"
)

func testKernel(t *testing.T, seeds []bootstrap.SeedAgent) *Kernel {
	t.Helper()
	cfg := kconfig.Default()
	k, err := Boot(cfg, seeds)
	require.NoError(t, err)
	return k
}

// Seed scenario 1: mint-task success.
func TestMintTaskSuccessClosesTaskAndCreditsReward(t *testing.T) {
	k := testKernel(t, []bootstrap.SeedAgent{{ID: "agent:solver", InitialScrip: 20}})
	ctx := context.Background()

	taskID, err := k.Mint.CreateTask(mintdom.Task{
		Description: "sort a list",
		EntryPoint:  "run",
		PublicTests: []mintdom.TestCase{
			{Name: "basic", Input: []any{[]any{float64(3), float64(1), float64(2)}}, Expect: []any{float64(1), float64(2), float64(3)}},
		},
		HiddenTests: []mintdom.TestCase{
			{Name: "hidden", Input: []any{[]any{float64(5), float64(5), float64(5)}}, Expect: []any{float64(5), float64(5), float64(5)}},
		},
		Reward:    50,
		CreatedBy: bootstrap.Authority,
	}, k.Clock.Current())
	require.NoError(t, err)

	writeRes := k.Executor.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:solver", Target: "executable:sorter",
		Content:          []byte(`{"script": "function run(list) { return list.slice().sort(function(a,b){return a-b;}); }"}`),
		AccessContractID: bootstrap.ContractFreeware,
	})
	require.True(t, writeRes.Success)

	sub, err := k.Mint.SubmitToMint(ctx, "agent:solver", taskID, "executable:sorter", 5)
	require.NoError(t, err)

	assert.Equal(t, mintdom.SubmissionPassed, sub.Status)
	assert.Equal(t, int64(70), k.Ledger.Balance("agent:solver")) // 20 seed - 5 bid + 5 bid back + 50 reward
	closedTask, err := k.Store.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, artifact.TypeMintTask, closedTask.Type)
	var closed mintdom.Task
	require.NoError(t, json.Unmarshal(closedTask.Content, &closed))
	assert.Equal(t, mintdom.TaskClosed, closed.Status)
}

// Seed scenario 2: permission-denied read.
func TestPermissionDeniedReadLeavesNoTrace(t *testing.T) {
	k := testKernel(t, []bootstrap.SeedAgent{
		{ID: "agent:alice", InitialScrip: 10},
		{ID: "agent:bob", InitialScrip: 10},
	})
	ctx := context.Background()

	writeRes := k.Executor.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:alice", Target: "data:secret",
		Content: []byte(`"shh"`), AccessContractID: bootstrap.ContractPrivate,
	})
	require.True(t, writeRes.Success)

	before := len(k.Store.List(nil))

	readRes := k.Executor.Execute(ctx, action.Intent{
		Type: action.ReadArtifact, Caller: "agent:bob", Target: "data:secret",
	})

	assert.False(t, readRes.Success)
	assert.Equal(t, "permission_denied", readRes.ErrorKind)
	assert.Equal(t, before, len(k.Store.List(nil)))
}

// Seed scenario 3: atomic failure on insufficient scrip.
func TestAtomicFailureLeavesBalancesUnchanged(t *testing.T) {
	k := testKernel(t, []bootstrap.SeedAgent{
		{ID: "agent:alice", InitialScrip: 50},
		{ID: "agent:bob", InitialScrip: 0},
	})
	ctx := context.Background()

	res := k.Executor.Execute(ctx, action.Intent{
		Type: action.Transfer, Caller: "agent:alice", Recipient: "agent:bob", Amount: 100,
	})

	assert.False(t, res.Success)
	assert.Equal(t, "insufficient_scrip", res.ErrorKind)
	assert.Equal(t, int64(50), k.Ledger.Balance("agent:alice"))
	assert.Equal(t, int64(0), k.Ledger.Balance("agent:bob"))
}

// Seed scenario 4: delegation charge, per-call caps honored, window cap
// trips on the 6th in-window call.
func TestDelegationChargeHonorsPerCallAndWindowCaps(t *testing.T) {
	k := testKernel(t, []bootstrap.SeedAgent{
		{ID: "agent:alice", InitialScrip: 1000},
	})
	ctx := context.Background()

	delegation := delegationdom.Delegation{
		Payer: "agent:alice",
		Entries: []delegationdom.Entry{
			{ChargerID: "executable:billing-bot", PerCallCap: 10, WindowCap: 50, WindowSeconds: 3600},
		},
	}
	content, err := json.Marshal(delegation)
	require.NoError(t, err)

	writeRes := k.Executor.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:alice", Target: delegationdom.ArtifactID("agent:alice"),
		Content: content, AccessContractID: bootstrap.ContractSelfOwned,
	})
	require.True(t, writeRes.Success)

	check := delegationCheckFromStore(k)
	for i := 0; i < 5; i++ {
		_, err := k.Ledger.AtomicSettle("agent:alice", "executable:billing-bot", 10, nil, check)
		require.NoError(t, err, "call %d should succeed", i+1)
	}

	_, err = k.Ledger.AtomicSettle("agent:alice", "executable:billing-bot", 10, nil, check)
	require.Error(t, err)
	assert.Equal(t, kernelerr.RateExceeded, kernelerr.KindOf(err))
	assert.Equal(t, int64(1000-50), k.Ledger.Balance("agent:alice"))
}

// delegationCheckFromStore mirrors internal/executor.delegationCheck: it
// reads the payer's charge_delegation artifact straight from the store.
func delegationCheckFromStore(k *Kernel) ledger.DelegationCheck {
	return func(payer, charger string, at time.Time) (delegationdom.Entry, bool) {
		a, err := k.Store.Get(delegationdom.ArtifactID(payer))
		if err != nil {
			return delegationdom.Entry{}, false
		}
		var d delegationdom.Delegation
		if err := json.Unmarshal(a.Content, &d); err != nil {
			return delegationdom.Entry{}, false
		}
		return d.Find(charger, at)
	}
}

// Seed scenario 5: subscription wake-and-push.
func TestSubscriptionDeliversWakeWithoutAPoll(t *testing.T) {
	k := testKernel(t, []bootstrap.SeedAgent{
		{ID: "agent:bob", InitialScrip: 0},
	})
	ctx := context.Background()

	writeRes := k.Executor.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: bootstrap.Authority, Target: "data:market_price",
		Content: []byte(`100`), AccessContractID: bootstrap.ContractFreeware,
	})
	require.True(t, writeRes.Success)

	subRes := k.Executor.Execute(ctx, action.Intent{
		Type: action.SubscribeArtifact, Caller: "agent:bob", Target: "data:market_price",
	})
	require.True(t, subRes.Success)

	writeRes = k.Executor.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: bootstrap.Authority, Target: "data:market_price",
		Content: []byte(`105`), AccessContractID: bootstrap.ContractFreeware,
	})
	require.True(t, writeRes.Success)

	wakes := k.Executor.DrainWakes("agent:bob")
	require.Len(t, wakes, 1)
	assert.Equal(t, "data:market_price", wakes[0].Source)
}

// Seed scenario 6: dangling contract fallback.
func TestDanglingContractFallsBackToDefault(t *testing.T) {
	k := testKernel(t, []bootstrap.SeedAgent{
		{ID: "agent:alice", InitialScrip: 0},
		{ID: "agent:bob", InitialScrip: 0},
	})
	ctx := context.Background()

	writeRes := k.Executor.Execute(ctx, action.Intent{
		Type: action.WriteArtifact, Caller: "agent:alice", Target: "data:secret",
		Content: []byte(`"shh"`), AccessContractID: "contract:deleted-on-purpose",
	})
	require.True(t, writeRes.Success)

	readRes := k.Executor.Execute(ctx, action.Intent{
		Type: action.ReadArtifact, Caller: "agent:bob", Target: "data:secret",
	})

	assert.True(t, readRes.Success)

	var sawDangling bool
	for _, ev := range k.EventLog.Since(0) {
		if ev.EventType == eventlog.TypeDanglingContract && ev.ArtifactID == "data:secret" {
			sawDangling = true
			break
		}
	}
	assert.True(t, sawDangling, "expected a dangling_contract event for data:secret")
}
