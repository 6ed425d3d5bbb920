// Package bootstrap implements BootstrapEris: the genesis phase that
// creates the default contract set, registers the kernel's native
// artifacts, and seeds starting agents — once, at t=0. SPEC_FULL.md
// §9 "Contracts are artifacts, not system classes."
//
// Eris writes directly to the store rather than routing through the
// ActionExecutor's action pipeline: genesis has no caller, no contract
// to check yet (the contracts being created ARE the contract set), and
// spec.md is explicit that bootstrap is the one phase allowed to mutate
// the store outside the narrow waist. Everything it creates afterward
// — reads, writes, deletes, invokes — goes through the executor like
// any other artifact.
package bootstrap

import (
	"encoding/json"
	"time"

	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/contractdom"
	"github.com/r3e-network/econe/internal/executor"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/store"
	"github.com/r3e-network/econe/pkg/kernelerr"
	"github.com/r3e-network/econe/pkg/logger"
)

// Default contract ids. These are the only hard-coded artifact ids in
// the kernel besides the native gateway/mint-engine — everything else
// is addressed through config or agent choice.
const (
	ContractFreeware  = "contract:freeware"
	ContractPrivate   = "contract:private"
	ContractPublic    = "contract:public"
	ContractSelfOwned = "contract:self_owned"

	Authority = "kernel/bootstrap"
)

// SeedAgent describes one agent artifact to create at genesis.
type SeedAgent struct {
	ID               string
	AccessContractID string // defaults to ContractFreeware when empty
	InitialScrip     int64
}

// NativeArtifact binds a kernel-trusted Go implementation to a
// well-known artifact id, so the executor's invoke_artifact path routes
// to it instead of the sandbox (SPEC_FULL.md §4.6/§4.7 expansions).
type NativeArtifact struct {
	ID   string
	Impl executor.NativeInvokable
}

// Config wires the components Eris writes into and registers against.
type Config struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Executor *executor.Executor

	Natives []NativeArtifact
	Agents  []SeedAgent

	Logger *logger.Logger
}

// Result reports what genesis created, for logging and for the
// integration tests that assert on seed-scenario setup.
type Result struct {
	Contracts []string
	Natives   []string
	Agents    []string
}

// Eris runs the genesis phase. It refuses to run twice: the presence of
// ContractFreeware in the store is the marker that genesis already ran,
// matching spec.md's "at t=0 only."
func Eris(cfg Config) (*Result, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("bootstrap")
	}
	if cfg.Store.Exists(ContractFreeware) {
		return nil, kernelerr.New(kernelerr.InvariantViolation, "bootstrap already ran: genesis contracts already exist")
	}

	res := &Result{}

	for _, c := range defaultContracts() {
		if err := cfg.Store.Put(c); err != nil {
			return nil, err
		}
		res.Contracts = append(res.Contracts, c.ID)
	}

	for _, n := range cfg.Natives {
		cfg.Executor.RegisterNative(n.ID, n.Impl)
		res.Natives = append(res.Natives, n.ID)
	}

	if len(cfg.Agents) > 0 {
		cfg.Ledger.EnsurePrincipal(Authority)
		cfg.Ledger.Grant(Authority, "can_mint")
	}
	for _, seed := range cfg.Agents {
		contractID := seed.AccessContractID
		if contractID == "" {
			contractID = ContractFreeware
		}
		now := time.Now()
		if err := cfg.Store.Put(&artifact.Artifact{
			ID:               seed.ID,
			Type:             artifact.TypeAgent,
			CreatedBy:        Authority,
			AccessContractID: contractID,
			HasStanding:      true,
			HasLoop:          true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}); err != nil {
			return nil, err
		}
		cfg.Ledger.EnsurePrincipal(seed.ID)
		if seed.InitialScrip > 0 {
			if err := cfg.Ledger.Mint(seed.ID, seed.InitialScrip, "genesis seed", Authority); err != nil {
				return nil, err
			}
		}
		res.Agents = append(res.Agents, seed.ID)
	}

	cfg.Logger.WithField("contracts", len(res.Contracts)).WithField("agents", len(res.Agents)).
		Info("genesis complete")
	return res, nil
}

func defaultContracts() []*artifact.Artifact {
	now := time.Now()
	mk := func(id, script string) *artifact.Artifact {
		content, _ := json.Marshal(contractdom.Content{Script: script})
		return &artifact.Artifact{
			ID: id, Type: artifact.TypeContract, CreatedBy: Authority,
			Content: content, KernelProtected: true,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	return []*artifact.Artifact{
		mk(ContractFreeware, `function check_permission(ctx) {
			return {access: "allow", reason: "freeware: open to all callers"};
		}`),
		mk(ContractPrivate, `function check_permission(ctx) {
			if (ctx.caller === ctx.created_by) {
				return {access: "allow", reason: "private: creator access"};
			}
			return {access: "deny", reason: "private: non-creator access denied"};
		}`),
		mk(ContractPublic, `function check_permission(ctx) {
			if (ctx.action === "read_artifact") {
				return {access: "allow", reason: "public: open read"};
			}
			if (ctx.caller === ctx.created_by) {
				return {access: "allow", reason: "public: creator write"};
			}
			return {access: "deny", reason: "public: non-creator write denied"};
		}`),
		mk(ContractSelfOwned, `function check_permission(ctx) {
			if (ctx.caller === ctx.target) {
				return {access: "allow", reason: "self_owned: target acting on itself"};
			}
			return {access: "deny", reason: "self_owned: only the artifact itself may act on it"};
		}`),
	}
}
