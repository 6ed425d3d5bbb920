package contract

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/contractdom"
	"github.com/r3e-network/econe/internal/eventlog"
	"github.com/r3e-network/econe/internal/sandbox"
)

// fakeEventAppender records events the engine appends, without pulling
// in eventlog's clock/mirror machinery.
type fakeEventAppender struct {
	events []eventlog.Event
}

func (f *fakeEventAppender) Append(e eventlog.Event) eventlog.Event {
	f.events = append(f.events, e)
	return e
}

type fakeStore struct {
	artifacts map[string]*artifact.Artifact
}

func (f *fakeStore) Get(id string) (*artifact.Artifact, error) {
	a, ok := f.artifacts[id]
	if !ok {
		return nil, assert.AnError
	}
	return a.Clone(), nil
}

type fakeClock struct{ n uint64 }

func (f *fakeClock) Current() uint64 { return f.n }

func contractArtifact(id, script string) *artifact.Artifact {
	content, _ := json.Marshal(contractdom.Content{Script: script})
	return &artifact.Artifact{ID: id, Type: artifact.TypeContract, CreatedBy: "kernel", Content: content, KernelProtected: true}
}

func TestCheckAllowsWhenContractAllows(t *testing.T) {
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{
		"contract:freeware": contractArtifact("contract:freeware", `function check_permission(ctx) { return {access: "allow", reason: "free"}; }`),
		"data:x":            {ID: "data:x", Type: artifact.TypeData, CreatedBy: "agent:a", AccessContractID: "contract:freeware"},
	}}
	eng := New(Config{Store: store, Sandbox: sandbox.NewEngine(), Clock: &fakeClock{}, DefaultAccessContract: "contract:freeware"})

	res, err := eng.Check(context.Background(), contractdom.CheckContext{Caller: "agent:b", Target: "data:x", Action: "read_artifact"}, 0)
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestCheckDeniesWhenContractDenies(t *testing.T) {
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{
		"contract:private": contractArtifact("contract:private", `function check_permission(ctx) { if (ctx.caller == ctx.created_by) { return {access:"allow"}; } return {access:"deny", reason:"private"}; }`),
		"data:x":           {ID: "data:x", Type: artifact.TypeData, CreatedBy: "agent:a", AccessContractID: "contract:private"},
	}}
	eng := New(Config{Store: store, Sandbox: sandbox.NewEngine(), Clock: &fakeClock{}, DefaultAccessContract: "contract:private"})

	res, err := eng.Check(context.Background(), contractdom.CheckContext{Caller: "agent:b", Target: "data:x", Action: "read_artifact"}, 0)
	require.NoError(t, err)
	assert.False(t, res.Allowed())
}

func TestCheckFallsBackToDefaultOnDanglingContract(t *testing.T) {
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{
		"contract:freeware": contractArtifact("contract:freeware", `function check_permission(ctx) { return {access: "allow"}; }`),
		"data:x":            {ID: "data:x", Type: artifact.TypeData, CreatedBy: "agent:a", AccessContractID: "contract:missing"},
	}}
	events := &fakeEventAppender{}
	eng := New(Config{
		Store: store, Sandbox: sandbox.NewEngine(), Clock: &fakeClock{}, EventLog: events,
		DefaultAccessContract: "contract:freeware",
	})

	res, err := eng.Check(context.Background(), contractdom.CheckContext{Caller: "agent:b", Target: "data:x", Action: "read_artifact"}, 0)
	require.NoError(t, err)
	assert.True(t, res.Allowed())

	require.Len(t, events.events, 1)
	assert.Equal(t, eventlog.TypeDanglingContract, events.events[0].EventType)
	assert.Equal(t, "data:x", events.events[0].ArtifactID)
	assert.Equal(t, "contract:missing", events.events[0].Extra["missing_contract_id"])
}

func TestCheckRejectsOverDepth(t *testing.T) {
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{}}
	eng := New(Config{Store: store, Sandbox: sandbox.NewEngine(), Clock: &fakeClock{}, MaxDepth: 3})

	_, err := eng.Check(context.Background(), contractdom.CheckContext{Target: "data:x"}, 4)
	require.Error(t, err)
}

func TestCachePolicyReusesResultWithoutReinvokingSandbox(t *testing.T) {
	calls := 0
	script := `function check_permission(ctx) { return {access:"allow", cache_policy: {}}; }`
	content, _ := json.Marshal(contractdom.Content{Script: script, CachePolicy: contractdom.CachePolicy{Enabled: true, TTLSeconds: 60}})
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{
		"contract:cached": {ID: "contract:cached", Type: artifact.TypeContract, CreatedBy: "kernel", Content: content},
		"data:x":          {ID: "data:x", Type: artifact.TypeData, CreatedBy: "agent:a", AccessContractID: "contract:cached"},
	}}
	countingCache := &countingCacheWrapper{inner: NewInProcessCache()}
	eng := New(Config{Store: store, Sandbox: sandbox.NewEngine(), Clock: &fakeClock{}, Cache: countingCache})

	chk := contractdom.CheckContext{Caller: "agent:b", Target: "data:x", Action: "read_artifact"}
	_, err := eng.Check(context.Background(), chk, 0)
	require.NoError(t, err)
	_, err = eng.Check(context.Background(), chk, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, countingCache.sets)
	_ = calls
}

type countingCacheWrapper struct {
	inner Cache
	sets  int
}

func (c *countingCacheWrapper) Get(key string) (contractdom.PermissionResult, bool) {
	return c.inner.Get(key)
}

func (c *countingCacheWrapper) Set(key string, result contractdom.PermissionResult, ttl time.Duration) {
	c.sets++
	c.inner.Set(key, result, ttl)
}
