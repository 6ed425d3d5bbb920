// Package contract implements the ContractEngine: given
// (caller, action, target), resolve the target's access contract,
// invoke its check_permission method under the sandbox, and return a
// PermissionResult. SPEC_FULL.md §4.4.
//
// The control flow (resolve → assemble context → sandbox call → depth
// counter → cache) is spec-original; the capability-gated, deny-by-
// default posture is grounded on the teacher's system/sandbox/sandbox.go
// Android-security-model adaptation.
package contract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/contractdom"
	"github.com/r3e-network/econe/internal/eventlog"
	"github.com/r3e-network/econe/internal/sandbox"
	"github.com/r3e-network/econe/pkg/kernelerr"
	"github.com/r3e-network/econe/pkg/logger"
)

// EventAppender is the subset of eventlog.EventLog the engine needs to
// record a dangling access contract (spec.md seed scenario 6). Kept as
// an interface, like ArtifactStore, so this package never depends on
// internal/eventlog's concrete construction.
type EventAppender interface {
	Append(e eventlog.Event) eventlog.Event
}

// ArtifactStore is the subset of internal/store.Store this engine reads
// from. Kept as an interface to avoid a direct internal/store import
// cycle with internal/executor, which wires both together.
type ArtifactStore interface {
	Get(id string) (*artifact.Artifact, error)
}

// Cache is the pluggable result-cache backend. The default is an
// in-process map with lazy TTL expiry and no size-based eviction; a
// Redis-backed implementation is available
// via NewRedisCache for multi-process deployments.
type Cache interface {
	Get(key string) (contractdom.PermissionResult, bool)
	Set(key string, result contractdom.PermissionResult, ttl time.Duration)
}

// Clock supplies the current event number for CheckContext assembly.
type Clock interface {
	Current() uint64
}

// Config configures an Engine.
type Config struct {
	Store                 ArtifactStore
	Sandbox               *sandbox.Engine
	Clock                 Clock
	Cache                 Cache
	EventLog              EventAppender
	DefaultAccessContract string
	MaxDepth              int
	DefaultCheckTimeout   time.Duration
	LLMCheckTimeout       time.Duration
	Logger                *logger.Logger
}

// Engine is the ContractEngine.
type Engine struct {
	store   ArtifactStore
	sandbox *sandbox.Engine
	clock   Clock
	cache   Cache
	events  EventAppender

	defaultContract string
	maxDepth        int
	defaultTimeout  time.Duration
	llmTimeout      time.Duration
	log             *logger.Logger
}

// New returns a ready Engine.
func New(cfg Config) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.DefaultCheckTimeout <= 0 {
		cfg.DefaultCheckTimeout = 5 * time.Second
	}
	if cfg.LLMCheckTimeout <= 0 {
		cfg.LLMCheckTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("contract")
	}
	if cfg.Cache == nil {
		cfg.Cache = NewInProcessCache()
	}
	return &Engine{
		store:           cfg.Store,
		sandbox:         cfg.Sandbox,
		clock:           cfg.Clock,
		cache:           cfg.Cache,
		events:          cfg.EventLog,
		defaultContract: cfg.DefaultAccessContract,
		maxDepth:        cfg.MaxDepth,
		defaultTimeout:  cfg.DefaultCheckTimeout,
		llmTimeout:      cfg.LLMCheckTimeout,
		log:             cfg.Logger,
	}
}

// DefaultAccessContract returns the contract id Check falls back to
// when a target names none or names a dangling one.
func (e *Engine) DefaultAccessContract() string { return e.defaultContract }

// Check resolves target's access contract and runs its check_permission
// method, honoring depth and cache_policy. depth is the number of
// contract hops already taken in this action chain (the caller — the
// ActionExecutor — owns incrementing it across nested invocations).
func (e *Engine) Check(ctx context.Context, chk contractdom.CheckContext, depth int) (contractdom.PermissionResult, error) {
	if depth > e.maxDepth {
		return contractdom.PermissionResult{}, kernelerr.DepthExceededf(depth, e.maxDepth)
	}

	target, err := e.store.Get(chk.Target)
	if err != nil {
		return contractdom.PermissionResult{}, err
	}
	chk.TargetCreator = target.CreatedBy

	contractID := target.AccessContractID
	if contractID == "" {
		contractID = e.defaultContract
	}

	contractArtifact, err := e.store.Get(contractID)
	if err != nil {
		if contractID != e.defaultContract {
			e.logDanglingContract(chk.Target, contractID)
			contractArtifact, err = e.store.Get(e.defaultContract)
		}
		if err != nil {
			return contractdom.PermissionResult{}, kernelerr.DanglingContractf(chk.Target)
		}
	}

	var content contractdom.Content
	if err := json.Unmarshal(contractArtifact.Content, &content); err != nil {
		return contractdom.PermissionResult{}, kernelerr.Wrap(kernelerr.InvariantViolation, "contract content is not valid", err)
	}

	fingerprint := fingerprintOf(contractArtifact.Content)
	cacheKey := fmt.Sprintf("%s|%s|%s|%s", chk.Target, chk.Action, chk.Caller, fingerprint)

	if content.CachePolicy.Enabled {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	timeout := e.defaultTimeout
	if content.HasCapability("call_llm") {
		timeout = e.llmTimeout
	}

	res, err := e.sandbox.Run(ctx, sandbox.Request{
		Script:     content.Script,
		EntryPoint: "check_permission",
		Args:       []any{chk.ToMap()},
		Timeout:    timeout,
	})
	if err != nil {
		return contractdom.PermissionResult{}, err
	}

	result, err := decodeResult(res.Output)
	if err != nil {
		return contractdom.PermissionResult{}, kernelerr.Wrap(kernelerr.InvariantViolation, "malformed check_permission result", err)
	}

	if content.CachePolicy.Enabled {
		e.cache.Set(cacheKey, result, time.Duration(content.CachePolicy.TTLSeconds)*time.Second)
	}

	return result, nil
}

// logDanglingContract records a target whose named access contract no
// longer resolves: a logrus warning for the operator, plus a structured
// dangling_contract event on the EventLog so the fallback is visible to
// anything tailing the kernel's event stream (spec.md seed scenario 6).
func (e *Engine) logDanglingContract(target, contractID string) {
	e.log.WithField("artifact_id", contractID).Warn("dangling access contract, falling back to default")
	if e.events == nil {
		return
	}
	e.events.Append(eventlog.Event{
		EventType:  eventlog.TypeDanglingContract,
		ArtifactID: target,
		Extra:      map[string]any{"missing_contract_id": contractID, "fallback_contract_id": e.defaultContract},
	})
}

func decodeResult(output any) (contractdom.PermissionResult, error) {
	b, err := json.Marshal(output)
	if err != nil {
		return contractdom.PermissionResult{}, err
	}
	var r contractdom.PermissionResult
	if err := json.Unmarshal(b, &r); err != nil {
		return contractdom.PermissionResult{}, err
	}
	if r.Access != contractdom.AccessAllow && r.Access != contractdom.AccessDeny {
		return contractdom.PermissionResult{}, fmt.Errorf("access must be %q or %q, got %q", contractdom.AccessAllow, contractdom.AccessDeny, r.Access)
	}
	return r, nil
}

func fingerprintOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:8])
}
