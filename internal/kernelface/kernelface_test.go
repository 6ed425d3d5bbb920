package kernelface

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/econe/domain/action"
	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/ledgerdom"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/internal/contract"
	"github.com/r3e-network/econe/internal/eventlog"
	"github.com/r3e-network/econe/internal/executor"
	"github.com/r3e-network/econe/internal/invocation"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/sandbox"
	"github.com/r3e-network/econe/internal/store"
	"github.com/r3e-network/econe/internal/trigger"
	"github.com/r3e-network/econe/pkg/logger"
)

const freewareContract = "contract:freeware"

func newKernelface(t *testing.T) *Interface {
	t.Helper()
	ids := clock.NewIdRegistry()
	st := store.New(ids)
	led := ledger.New(ledger.Config{
		IdRegistry: ids,
		QuotaConfig: ledger.QuotaConfig{
			ledgerdom.ResourceLLMTokens: {Limit: 1000, WindowSeconds: 3600},
		},
	})
	sbox := sandbox.NewEngine()
	clk := clock.New()
	contractEngine := contract.New(contract.Config{Store: st, Sandbox: sbox, Clock: clk, DefaultAccessContract: freewareContract})
	trig := trigger.New(ids)
	evlog := eventlog.New(eventlog.Config{Clock: clk, Logger: logger.NewDefault("test")})
	inv := invocation.New(0)

	ex := executor.New(executor.Config{
		Store: st, Ledger: led, Contract: contractEngine, Trigger: trig,
		EventLog: evlog, Invocation: inv, Sandbox: sbox, Clock: clk, IDs: ids,
		Logger: logger.NewDefault("test"),
	})

	require.NoError(t, st.Put(&artifact.Artifact{
		ID: freewareContract, Type: artifact.TypeContract, CreatedBy: "kernel/bootstrap",
		Content: []byte(`{"script":"function check_permission(ctx){return {access:\"allow\"};}"}`),
		KernelProtected: true,
	}))
	led.EnsurePrincipal("agent:alice")

	return New(st, led, ex)
}

func TestReadArtifactReturnsStoreContentDirectly(t *testing.T) {
	k := newKernelface(t)
	require.NoError(t, k.store.Put(&artifact.Artifact{
		ID: "data:note", Type: artifact.TypeData, CreatedBy: "agent:alice", AccessContractID: freewareContract,
	}))

	a, err := k.ReadArtifact("data:note")
	require.NoError(t, err)
	assert.Equal(t, "data:note", a.ID)
}

func TestSubmitRoutesThroughTheExecutorPipeline(t *testing.T) {
	k := newKernelface(t)

	result := k.Submit(context.Background(), action.Intent{
		Type: action.WriteArtifact, Caller: "agent:alice", Target: "data:note",
		Content: []byte(`"hello"`), AccessContractID: freewareContract,
	})
	require.True(t, result.Success)

	a, err := k.ReadArtifact("data:note")
	require.NoError(t, err)
	assert.Equal(t, "agent:alice", a.CreatedBy)
}

func TestSubmitDeniesReadsThatFailPermissionJustLikeAnAgentAction(t *testing.T) {
	k := newKernelface(t)
	require.NoError(t, k.store.Put(&artifact.Artifact{
		ID: "contract:private", Type: artifact.TypeContract, CreatedBy: "kernel/bootstrap",
		Content: []byte(`{"script":"function check_permission(ctx){if(ctx.caller===ctx.created_by){return {access:\"allow\"};}return {access:\"deny\"};}"}`),
		KernelProtected: true,
	}))
	require.NoError(t, k.store.Put(&artifact.Artifact{
		ID: "data:secret", Type: artifact.TypeData, CreatedBy: "agent:alice", AccessContractID: "contract:private",
	}))
	k.ledger.EnsurePrincipal("agent:bob")

	result := k.Submit(context.Background(), action.Intent{
		Type: action.ReadArtifact, Caller: "agent:bob", Target: "data:secret",
	})
	assert.False(t, result.Success)
	assert.Equal(t, "permission_denied", result.ErrorKind)
}

func TestBalanceReflectsLedgerState(t *testing.T) {
	k := newKernelface(t)
	assert.EqualValues(t, 0, k.Balance("agent:alice"))
}
