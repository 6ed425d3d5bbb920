package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/ledgerdom"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/mint"
	"github.com/r3e-network/econe/internal/sandbox"
	"github.com/r3e-network/econe/internal/store"
	"github.com/r3e-network/econe/internal/trigger"
)

func newComponents() Components {
	ids := clock.NewIdRegistry()
	st := store.New(ids)
	led := ledger.New(ledger.Config{
		IdRegistry: ids,
		QuotaConfig: ledger.QuotaConfig{
			ledgerdom.ResourceLLMTokens: {Limit: 1000, WindowSeconds: 3600},
		},
	})
	trig := trigger.New(ids)
	mintEngine := mint.New(mint.Config{Store: st, Ledger: led, Sandbox: sandbox.NewEngine(), IDs: ids})
	clk := clock.New()

	return Components{Store: st, Ledger: led, Trigger: trig, Mint: mintEngine, Clock: clk, IDs: ids}
}

func testConfigFingerprint() map[string]any {
	return map[string]any{"world": map[string]any{"max_agents": 10}}
}

func TestCheckpointRestoreReproducesBalancesArtifactsAndEventNumber(t *testing.T) {
	live := newComponents()

	live.Ledger.EnsurePrincipal("agent:alice")
	live.Ledger.Grant("kernel/mint-engine", "can_mint")
	require.NoError(t, live.Ledger.Mint("agent:alice", 50, "seed", "kernel/mint-engine"))

	require.NoError(t, live.Store.Put(&artifact.Artifact{
		ID: "data:note", Type: artifact.TypeData, CreatedBy: "agent:alice",
	}))

	for i := 0; i < 3; i++ {
		live.Clock.Next()
	}

	key := []byte("test-signing-key")
	bundle, err := Take(live, testConfigFingerprint(), key)
	require.NoError(t, err)
	require.NoError(t, Verify(bundle, testConfigFingerprint(), key))

	restored := newComponents()
	Restore(bundle, restored)

	assert.Equal(t, live.Clock.Current(), restored.Clock.Current())
	assert.Equal(t, live.Ledger.Balance("agent:alice"), restored.Ledger.Balance("agent:alice"))
	assert.True(t, restored.Store.Exists("data:note"))
	assert.Equal(t, len(live.Store.List(nil)), len(restored.Store.List(nil)))
}

func TestVerifyRejectsMismatchedConfig(t *testing.T) {
	live := newComponents()
	key := []byte("test-signing-key")
	bundle, err := Take(live, testConfigFingerprint(), key)
	require.NoError(t, err)

	err = Verify(bundle, map[string]any{"world": map[string]any{"max_agents": 99}}, key)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongSigningKey(t *testing.T) {
	live := newComponents()
	bundle, err := Take(live, testConfigFingerprint(), []byte("key-one"))
	require.NoError(t, err)

	err = Verify(bundle, testConfigFingerprint(), []byte("key-two"))
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	live := newComponents()
	live.Ledger.EnsurePrincipal("agent:alice")
	require.NoError(t, live.Ledger.Mint("agent:alice", 25, "seed", "kernel/mint-engine"))

	bundle, err := Take(live, testConfigFingerprint(), []byte("k"))
	require.NoError(t, err)

	path := t.TempDir() + "/bundle.json"
	require.NoError(t, Save(bundle, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, bundle.EventNumber, loaded.EventNumber)
	assert.Equal(t, bundle.ConfigFingerprint, loaded.ConfigFingerprint)
	assert.Equal(t, len(bundle.Ledger.Principals), len(loaded.Ledger.Principals))
}
