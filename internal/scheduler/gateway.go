package scheduler

import (
	"context"
	"fmt"

	"github.com/r3e-network/econe/domain/ledgerdom"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/llmclient"
	"github.com/r3e-network/econe/pkg/kernelerr"
)

// ModelClient is the pluggable backend behind the built-in
// kernel/llm-gateway artifact. internal/llmclient.Client (Anthropic) and
// internal/llmclient.NullClient both satisfy it.
type ModelClient interface {
	Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error)
}

// Pricing is the per-million-token cost, in integer llm_dollars-resource
// units (cents), used to translate a completion's token usage into a
// quota charge.
type Pricing struct {
	CentsPerMillionInputTokens  int64
	CentsPerMillionOutputTokens int64
}

// DefaultPricing approximates a mid-tier Claude model's published cost.
func DefaultPricing() Pricing {
	return Pricing{CentsPerMillionInputTokens: 300, CentsPerMillionOutputTokens: 1500}
}

// Gateway is the kernel/llm-gateway built-in artifact's implementation:
// it satisfies executor.NativeInvokable so invoke_artifact routes every
// LLM call through it, keeping cognition billed and logged like any
// other action (spec.md §4.6 step 3).
type Gateway struct {
	client  ModelClient
	ledger  *ledger.Ledger
	model   string
	pricing Pricing
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Client  ModelClient
	Ledger  *ledger.Ledger
	Model   string
	Pricing Pricing
}

// NewGateway returns a ready Gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-latest"
	}
	if cfg.Pricing == (Pricing{}) {
		cfg.Pricing = DefaultPricing()
	}
	return &Gateway{client: cfg.Client, ledger: cfg.Ledger, model: cfg.Model, pricing: cfg.Pricing}
}

// Invoke implements executor.NativeInvokable. The only method is
// "complete": args are (system string, prompt string[, maxTokens int]).
func (g *Gateway) Invoke(ctx context.Context, caller, method string, args []any) (any, error) {
	if method != "complete" {
		return nil, kernelerr.New(kernelerr.InvalidArgument, fmt.Sprintf("llm gateway has no method %q", method))
	}
	if len(args) < 2 {
		return nil, kernelerr.New(kernelerr.InvalidArgument, "complete requires (system, prompt)")
	}
	system, _ := args[0].(string)
	prompt, _ := args[1].(string)
	maxTokens := 1024
	if len(args) > 2 {
		switch v := args[2].(type) {
		case int:
			maxTokens = v
		case int64:
			maxTokens = int(v)
		case float64:
			maxTokens = int(v)
		}
	}

	// Pre-flight: reject up front if even a maximal-size response would
	// blow the token quota, before spending money on the call.
	quota, err := g.ledger.Quota(caller, ledgerdom.ResourceLLMTokens)
	if err != nil {
		return nil, err
	}
	if quota.Used+int64(maxTokens) > quota.Limit {
		return nil, kernelerr.RateExceededf(string(ledgerdom.ResourceLLMTokens)).
			WithDetail("used", quota.Used).WithDetail("limit", quota.Limit)
	}

	resp, err := g.client.Complete(ctx, llmclient.Request{Model: g.model, System: system, Prompt: prompt, MaxTokens: maxTokens})
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.SandboxCrash, "llm completion failed", err)
	}

	tokens := resp.InputTokens + resp.OutputTokens
	// rounded up to a whole cent, so any non-empty completion is billed.
	dollars := (resp.InputTokens*g.pricing.CentsPerMillionInputTokens + resp.OutputTokens*g.pricing.CentsPerMillionOutputTokens + 999_999) / 1_000_000

	if err := g.ledger.ReserveAndCharge(caller, ledgerdom.ResourceLLMTokens, tokens); err != nil {
		return nil, err
	}
	if dollars > 0 {
		if err := g.ledger.ReserveAndCharge(caller, ledgerdom.ResourceLLMDollars, dollars); err != nil {
			return nil, err
		}
	}

	return resp.Text, nil
}
