package mint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/ledgerdom"
	"github.com/r3e-network/econe/domain/mintdom"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/sandbox"
	"github.com/r3e-network/econe/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *ledger.Ledger, *clock.IdRegistry) {
	t.Helper()
	ids := clock.NewIdRegistry()
	st := store.New(ids)
	led := ledger.New(ledger.Config{
		IdRegistry: ids,
		QuotaConfig: ledger.QuotaConfig{
			ledgerdom.ResourceLLMDollars: {Limit: 1000, WindowSeconds: 3600},
		},
	})
	sbox := sandbox.NewEngine()
	eng := New(Config{Store: st, Ledger: led, Sandbox: sbox, IDs: ids})
	return eng, st, led, ids
}

func putSorter(t *testing.T, st *store.Store) string {
	t.Helper()
	content, err := json.Marshal(ExecutableContent{
		Script: `function sort_list(xs) { return xs.slice().sort((a, b) => a - b); }`,
	})
	require.NoError(t, err)
	require.NoError(t, st.Put(&artifact.Artifact{
		ID: "exec:sorter", Type: artifact.TypeData, CreatedBy: "agent:coder", Content: content,
	}))
	return "exec:sorter"
}

func TestSubmitToMintCreditsRewardWhenAllTestsPass(t *testing.T) {
	eng, st, led, _ := newTestEngine(t)
	led.EnsurePrincipal("agent:coder")
	require.NoError(t, led.Mint("agent:coder", 50, "seed", Authority))

	taskID, err := eng.CreateTask(mintdom.Task{
		Description: "sort a list ascending", EntryPoint: "sort_list", Reward: 20,
		PublicTests: []mintdom.TestCase{{Name: "basic", Input: []any{[]any{3.0, 1.0, 2.0}}, Expect: []any{1.0, 2.0, 3.0}}},
		HiddenTests: []mintdom.TestCase{{Name: "all_equal", Input: []any{[]any{5.0, 5.0, 5.0}}, Expect: []any{5.0, 5.0, 5.0}}},
		CreatedBy:   "kernel",
	}, 0)
	require.NoError(t, err)

	candidate := putSorter(t, st)

	sub, err := eng.SubmitToMint(context.Background(), "agent:coder", taskID, candidate, 5)
	require.NoError(t, err)
	assert.Equal(t, mintdom.SubmissionPassed, sub.Status)
	assert.Len(t, sub.PublicResults, 1)
	assert.True(t, sub.PublicResults[0].Passed)
	require.Len(t, sub.HiddenResults, 1)
	assert.True(t, sub.HiddenResults[0].Passed)
	assert.Empty(t, sub.HiddenResults[0].Trace, "hidden test details must stay withheld even on pass")

	// reward credited, bid fully released: 50 - 5 (escrow) + 5 (release) + 20 (reward)
	assert.EqualValues(t, 70, led.Balance("agent:coder"))
	assert.EqualValues(t, 0, led.Balance(PoolPrincipal))

	task, _, err := eng.loadTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, mintdom.TaskClosed, task.Status)
}

func TestSubmitToMintReleasesBidButWithholdsRewardOnPublicFailure(t *testing.T) {
	eng, st, led, _ := newTestEngine(t)
	led.EnsurePrincipal("agent:coder")
	require.NoError(t, led.Mint("agent:coder", 50, "seed", Authority))

	taskID, err := eng.CreateTask(mintdom.Task{
		Description: "sort a list ascending", EntryPoint: "sort_list", Reward: 20,
		PublicTests: []mintdom.TestCase{{Name: "basic", Input: []any{[]any{3.0, 1.0, 2.0}}, Expect: []any{9.0, 9.0, 9.0}}},
		HiddenTests: []mintdom.TestCase{{Name: "all_equal", Input: []any{[]any{5.0, 5.0, 5.0}}, Expect: []any{5.0, 5.0, 5.0}}},
		CreatedBy:   "kernel",
	}, 0)
	require.NoError(t, err)

	candidate := putSorter(t, st)

	sub, err := eng.SubmitToMint(context.Background(), "agent:coder", taskID, candidate, 5)
	require.NoError(t, err)
	assert.Equal(t, mintdom.SubmissionFailed, sub.Status)
	assert.Equal(t, "public tests failed", sub.FailureReason)
	assert.Empty(t, sub.HiddenResults, "hidden tests never run when public tests fail")

	assert.EqualValues(t, 50, led.Balance("agent:coder"), "bid is released even on failure")

	task, _, err := eng.loadTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, mintdom.TaskOpen, task.Status, "a failed submission leaves the task open for retry")
}

func TestSubmitToMintRejectsAlreadyClosedTask(t *testing.T) {
	eng, st, led, _ := newTestEngine(t)
	led.EnsurePrincipal("agent:coder")
	require.NoError(t, led.Mint("agent:coder", 50, "seed", Authority))

	taskID, err := eng.CreateTask(mintdom.Task{
		Description: "sort", EntryPoint: "sort_list", Reward: 10,
		PublicTests: []mintdom.TestCase{{Name: "basic", Input: []any{[]any{2.0, 1.0}}, Expect: []any{1.0, 2.0}}},
		HiddenTests: []mintdom.TestCase{{Name: "h", Input: []any{[]any{1.0}}, Expect: []any{1.0}}},
		CreatedBy:   "kernel",
	}, 0)
	require.NoError(t, err)
	candidate := putSorter(t, st)

	_, err = eng.SubmitToMint(context.Background(), "agent:coder", taskID, candidate, 5)
	require.NoError(t, err)

	require.NoError(t, led.Mint("agent:coder", 10, "seed again", Authority))
	_, err = eng.SubmitToMint(context.Background(), "agent:coder", taskID, candidate, 5)
	assert.Error(t, err)
}

func TestInvokeDispatchesSubmitToMint(t *testing.T) {
	eng, st, led, _ := newTestEngine(t)
	led.EnsurePrincipal("agent:coder")
	require.NoError(t, led.Mint("agent:coder", 50, "seed", Authority))

	taskID, err := eng.CreateTask(mintdom.Task{
		Description: "sort", EntryPoint: "sort_list", Reward: 10,
		PublicTests: []mintdom.TestCase{{Name: "basic", Input: []any{[]any{2.0, 1.0}}, Expect: []any{1.0, 2.0}}},
		HiddenTests: []mintdom.TestCase{{Name: "h", Input: []any{[]any{1.0}}, Expect: []any{1.0}}},
		CreatedBy:   "kernel",
	}, 0)
	require.NoError(t, err)
	candidate := putSorter(t, st)

	out, err := eng.Invoke(context.Background(), "agent:coder", "submit_to_mint", []any{taskID, candidate, int64(5)})
	require.NoError(t, err)
	sub, ok := out.(mintdom.Submission)
	require.True(t, ok)
	assert.Equal(t, mintdom.SubmissionPassed, sub.Status)
}

func TestSubmissionsListsMostRecentFirst(t *testing.T) {
	eng, st, led, _ := newTestEngine(t)
	led.EnsurePrincipal("agent:coder")
	require.NoError(t, led.Mint("agent:coder", 50, "seed", Authority))

	taskID, err := eng.CreateTask(mintdom.Task{
		Description: "sort", EntryPoint: "sort_list", Reward: 10,
		PublicTests: []mintdom.TestCase{{Name: "basic", Input: []any{[]any{2.0, 1.0}}, Expect: []any{1.0, 2.0}}},
		HiddenTests: []mintdom.TestCase{{Name: "h", Input: []any{[]any{1.0}}, Expect: []any{1.0}}},
		CreatedBy:   "kernel",
	}, 0)
	require.NoError(t, err)
	candidate := putSorter(t, st)

	_, err = eng.SubmitToMint(context.Background(), "agent:coder", taskID, candidate, 5)
	require.NoError(t, err)

	laterTaskID, err := eng.CreateTask(mintdom.Task{
		Description: "sort again", EntryPoint: "sort_list", Reward: 10,
		PublicTests: []mintdom.TestCase{{Name: "basic", Input: []any{[]any{2.0, 1.0}}, Expect: []any{1.0, 2.0}}},
		HiddenTests: []mintdom.TestCase{{Name: "h", Input: []any{[]any{1.0}}, Expect: []any{1.0}}},
		CreatedBy:   "kernel",
	}, 0)
	require.NoError(t, err)
	_, err = eng.SubmitToMint(context.Background(), "agent:coder", laterTaskID, candidate, 5)
	require.NoError(t, err)

	subs := eng.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, laterTaskID, subs[0].TaskID)
	assert.Equal(t, taskID, subs[1].TaskID)
}
