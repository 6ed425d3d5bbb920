// Package kernel wires every kernel component together: store, ledger,
// contract engine, trigger registry, event log, invocation registry,
// executor, mint engine, LLM gateway, scheduler, and the genesis
// bootstrap phase. SPEC_FULL.md §2 control-flow summary.
//
// Grounded on the teacher's system/bootstrap.Bootstrap: a single
// Config-in, fully-wired-engine-out constructor, generalized from
// PackageLoader-driven service registration to the kernel's fixed
// component graph.
package kernel

import (
	"context"
	"os"
	"time"

	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/ledgerdom"
	"github.com/r3e-network/econe/internal/bootstrap"
	"github.com/r3e-network/econe/internal/checkpoint"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/internal/contract"
	"github.com/r3e-network/econe/internal/eventlog"
	"github.com/r3e-network/econe/internal/eventtail"
	"github.com/r3e-network/econe/internal/executor"
	"github.com/r3e-network/econe/internal/invocation"
	"github.com/r3e-network/econe/internal/kernelface"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/llmclient"
	"github.com/r3e-network/econe/internal/metrics"
	"github.com/r3e-network/econe/internal/mint"
	"github.com/r3e-network/econe/internal/sandbox"
	"github.com/r3e-network/econe/internal/scheduler"
	"github.com/r3e-network/econe/internal/store"
	"github.com/r3e-network/econe/internal/trigger"
	"github.com/r3e-network/econe/pkg/kconfig"
	"github.com/r3e-network/econe/pkg/logger"
)

const (
	GatewayArtifactID = "kernel/llm-gateway"
	MintArtifactID    = "kernel/mint-engine"
)

// Kernel holds every wired component. Fields are exported so tests and
// cmd/econe-sim can reach into any layer directly; kernelface.Interface
// is the narrow facade meant for anything that should NOT have that
// full access.
type Kernel struct {
	Config *kconfig.Config
	Log    *logger.Logger

	Clock      *clock.Clock
	IDs        *clock.IdRegistry
	Store      *store.Store
	Ledger     *ledger.Ledger
	Sandbox    *sandbox.Engine
	Contract   *contract.Engine
	Trigger    *trigger.Registry
	EventLog   *eventlog.EventLog
	Invocation *invocation.Registry
	Executor   *executor.Executor
	Mint       *mint.Engine
	Gateway    *scheduler.Gateway
	Scheduler  *scheduler.Scheduler
	Metrics    *metrics.Metrics
	Face       *kernelface.Interface
	Tail       *eventtail.Server

	genesis *bootstrap.Result
}

// Boot constructs every component from cfg and runs BootstrapEris
// genesis once. Callers that want a deterministic offline kernel should
// set cfg.LLM.Provider to "null"; "anthropic" reads ANTHROPIC_API_KEY
// from the environment at this boundary (spec.md §6 "environment
// variables (boundary only)").
func Boot(cfg *kconfig.Config, seeds []bootstrap.SeedAgent) (*Kernel, error) {
	k := &Kernel{Config: cfg}
	k.Log = logger.New(logger.LoggingConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	k.Clock = clock.New()
	k.IDs = clock.NewIdRegistry()
	k.Store = store.New(k.IDs)

	quotaCfg := make(ledger.QuotaConfig, len(cfg.Resources))
	for name, rc := range cfg.Resources {
		quotaCfg[ledgerdom.Resource(name)] = ledgerdom.QuotaConfig{Limit: rc.Limit, WindowSeconds: rc.WindowSeconds}
	}
	k.Ledger = ledger.New(ledger.Config{
		IdRegistry:        k.IDs,
		QuotaConfig:       quotaCfg,
		MaxEntriesPerPair: cfg.Ledger.MaxEntriesPerPair,
	})

	k.Sandbox = sandbox.NewEngine()

	var mirror eventlog.Mirror
	if cfg.Ledger.PostgresDSN != "" {
		pgMirror, err := eventlog.OpenPostgresMirror(context.Background(), cfg.Ledger.PostgresDSN)
		if err != nil {
			return nil, err
		}
		mirror = pgMirror
	}
	k.EventLog = eventlog.New(eventlog.Config{Clock: k.Clock, Mirror: mirror, Logger: k.Log})

	var cache contract.Cache
	if cfg.Contracts.CacheRedisAddr != "" {
		cache = contract.NewRedisCache(cfg.Contracts.CacheRedisAddr, "econe:contract:")
	}
	k.Contract = contract.New(contract.Config{
		Store: k.Store, Sandbox: k.Sandbox, Clock: k.Clock, Cache: cache, Logger: k.Log,
		EventLog:              k.EventLog,
		DefaultAccessContract: cfg.Contracts.DefaultAccessContract,
		MaxDepth:              cfg.Contracts.MaxDepth,
		DefaultCheckTimeout:   secondsToDuration(cfg.Contracts.DefaultCheckTimeoutSeconds),
		LLMCheckTimeout:       secondsToDuration(cfg.Contracts.LLMCheckTimeoutSeconds),
	})

	k.Trigger = trigger.New(k.IDs)

	k.Invocation = invocation.New(cfg.Agents.ActionHistorySize)

	k.Mint = mint.New(mint.Config{Store: k.Store, Ledger: k.Ledger, Sandbox: k.Sandbox, IDs: k.IDs, Logger: k.Log})

	k.Executor = executor.New(executor.Config{
		Store: k.Store, Ledger: k.Ledger, Contract: k.Contract, Trigger: k.Trigger,
		EventLog: k.EventLog, Invocation: k.Invocation, Sandbox: k.Sandbox,
		Clock: k.Clock, IDs: k.IDs, Mint: k.Mint, Logger: k.Log,
		RequireExplicitContractOnWrite: cfg.Contracts.RequireExplicitOnWrite,
	})

	modelClient := newModelClient(cfg.LLM)
	k.Gateway = scheduler.NewGateway(scheduler.GatewayConfig{
		Client: modelClient, Ledger: k.Ledger, Model: cfg.LLM.Model,
	})
	k.Scheduler = scheduler.New(scheduler.Config{Executor: k.Executor, Logger: k.Log})

	k.Metrics = metrics.Init()
	k.Face = kernelface.New(k.Store, k.Ledger, k.Executor)
	k.Tail = eventtail.New(eventtail.Config{EventLog: k.EventLog, Logger: k.Log, Ready: func() bool { return k.genesis != nil }})

	natives := []bootstrap.NativeArtifact{
		{ID: GatewayArtifactID, Impl: k.Gateway},
		{ID: MintArtifactID, Impl: k.Mint},
	}
	res, err := bootstrap.Eris(bootstrap.Config{
		Store: k.Store, Ledger: k.Ledger, Executor: k.Executor,
		Natives: natives, Agents: seeds, Logger: k.Log,
	})
	if err != nil {
		return nil, err
	}
	k.genesis = res

	if err := k.seedNativeArtifacts(); err != nil {
		return nil, err
	}

	return k, nil
}

// seedNativeArtifacts writes the kernel-protected store records the
// natives need to be reachable through invoke_artifact:
// internal/executor.invokeArtifact looks the target up in the store
// before it ever checks the native registry, so RegisterNative alone is
// not enough.
func (k *Kernel) seedNativeArtifacts() error {
	for _, id := range []string{GatewayArtifactID, MintArtifactID} {
		if k.Store.Exists(id) {
			continue
		}
		if err := k.Store.Put(&artifact.Artifact{
			ID: id, Type: artifact.TypeExecutable, CreatedBy: bootstrap.Authority,
			KernelProtected: true, AccessContractID: bootstrap.ContractFreeware,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SpawnAgent starts an agent loop against ctx.
func (k *Kernel) SpawnAgent(ctx context.Context, cfg scheduler.AgentConfig) {
	k.Scheduler.Spawn(ctx, cfg)
}

// Checkpoint captures the current kernel state, signed with signingKey.
func (k *Kernel) Checkpoint(signingKey []byte) (*checkpoint.Bundle, error) {
	return checkpoint.Take(checkpoint.Components{
		Store: k.Store, Ledger: k.Ledger, Trigger: k.Trigger, Mint: k.Mint,
		Clock: k.Clock, IDs: k.IDs,
	}, configFingerprint(k.Config), signingKey)
}

// Restore repopulates k's components from bundle. k must be freshly
// Boot-ed (Restore never merges with existing state).
func (k *Kernel) Restore(bundle *checkpoint.Bundle) {
	checkpoint.Restore(bundle, checkpoint.Components{
		Store: k.Store, Ledger: k.Ledger, Trigger: k.Trigger, Mint: k.Mint,
		Clock: k.Clock, IDs: k.IDs,
	})
}

// newModelClient is the one place this package reads the environment
// directly, per spec.md §6 "environment variables (boundary only)":
// internal/llmclient never reads ANTHROPIC_API_KEY itself.
func newModelClient(cfg kconfig.LLMConfig) scheduler.ModelClient {
	if cfg.Provider == "anthropic" {
		return llmclient.New(os.Getenv("ANTHROPIC_API_KEY"))
	}
	return &llmclient.NullClient{}
}

func configFingerprint(cfg *kconfig.Config) map[string]any {
	return map[string]any{
		"world":     cfg.World,
		"ledger":    cfg.Ledger,
		"resources": cfg.Resources,
		"contracts": cfg.Contracts,
		"agents":    cfg.Agents,
		"mint":      cfg.Mint,
		"llm":       cfg.LLM,
	}
}

func secondsToDuration(s int) (d time.Duration) {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}
