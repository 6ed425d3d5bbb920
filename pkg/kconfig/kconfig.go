// Package kconfig loads the kernel's hierarchical configuration
// (base → profile → user overrides, spec.md §6) and enumerates every
// recognized option: an unknown key fails validation rather than being
// silently ignored (spec.md §6, design notes "Configurability over
// defaults"). Adapted from the teacher's infrastructure/config +
// pkg/config loaders — same env/secret precedence idiom
// (EnvOr/RequireEnv), rebuilt around YAML profile merging instead of
// envdecode struct tags, because the kernel's config surface is a
// recursive section tree rather than a flat set of service configs.
package kconfig

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the fully-merged, validated kernel configuration.
type Config struct {
	World         WorldConfig         `yaml:"world"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Resources     map[string]ResourceConfig `yaml:"resources"`
	Contracts     ContractsConfig     `yaml:"contracts"`
	Agents        AgentsConfig        `yaml:"agents"`
	Mint          MintConfig          `yaml:"mint"`
	LLM           LLMConfig           `yaml:"llm"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type WorldConfig struct {
	MaxDurationSeconds int64 `yaml:"max_duration_seconds"`
	MaxIterations      int64 `yaml:"max_iterations"`
}

type LedgerConfig struct {
	MaxEntriesPerPair int    `yaml:"max_entries_per_pair"`
	PostgresDSN       string `yaml:"postgres_dsn"`
}

type ResourceConfig struct {
	Limit         int64 `yaml:"limit"`
	WindowSeconds int64 `yaml:"window_seconds"`
}

type ContractsConfig struct {
	DefaultAccessContract     string `yaml:"default_access_contract"`
	MaxDepth                  int    `yaml:"max_depth"`
	RequireExplicitOnWrite    bool   `yaml:"require_explicit_contract_on_write"`
	CacheRedisAddr            string `yaml:"cache_redis_addr"`
	DefaultCheckTimeoutSeconds int   `yaml:"default_check_timeout_seconds"`
	LLMCheckTimeoutSeconds     int   `yaml:"llm_check_timeout_seconds"`
}

type AgentsConfig struct {
	ActionHistorySize int    `yaml:"action_history_size"`
	CognitiveSchema   string `yaml:"cognitive_schema"` // "plain" | "ooda"
	InFlightBudget    int    `yaml:"in_flight_budget"`
}

type MintConfig struct {
	EscrowEnabled bool `yaml:"escrow_enabled"`
}

type ReasoningEffort string

const (
	ReasoningNone   ReasoningEffort = "none"
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

type LLMConfig struct {
	Provider        string          `yaml:"provider"` // "anthropic" | "null"
	Model           string          `yaml:"model"`
	ReasoningEffort ReasoningEffort `yaml:"reasoning_effort"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	TailAddr    string `yaml:"tail_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// knownSections enumerates the top-level keys validated by Load. Any
// other top-level key in a merged document fails validation.
var knownSections = []string{
	"world", "ledger", "resources", "contracts", "agents", "mint", "llm", "observability",
}

// Default returns the kernel's documented defaults — never hidden,
// always the starting point Load merges profile/user overrides onto.
func Default() *Config {
	return &Config{
		World: WorldConfig{MaxDurationSeconds: 0, MaxIterations: 0},
		Ledger: LedgerConfig{MaxEntriesPerPair: 1000},
		Resources: map[string]ResourceConfig{
			"llm_dollars": {Limit: 10_00, WindowSeconds: 86400},
			"llm_tokens":  {Limit: 2_000_000, WindowSeconds: 86400},
			"disk_bytes":  {Limit: 100 * 1024 * 1024, WindowSeconds: 86400},
			"compute_ms":  {Limit: 600_000, WindowSeconds: 3600},
		},
		Contracts: ContractsConfig{
			DefaultAccessContract:      "contract:freeware",
			MaxDepth:                   10,
			RequireExplicitOnWrite:     true,
			DefaultCheckTimeoutSeconds: 5,
			LLMCheckTimeoutSeconds:     30,
		},
		Agents: AgentsConfig{
			ActionHistorySize: 20,
			CognitiveSchema:   "plain",
			InFlightBudget:    1,
		},
		Mint: MintConfig{EscrowEnabled: true},
		LLM:  LLMConfig{Provider: "null", Model: "", ReasoningEffort: ReasoningMedium},
		Observability: ObservabilityConfig{MetricsAddr: "", TailAddr: "", LogLevel: "info", LogFormat: "text"},
	}
}

// Load merges base → profile → user YAML documents (any of the three
// paths may not exist, in which case it's skipped) onto Default, then
// validates that no unknown top-level section slipped in.
func Load(basePath, profilePath, userPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	for _, p := range []string{basePath, profilePath, userPath} {
		if p == "" {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := validateKnownSections(raw, p); err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
	}
	return cfg, nil
}

func validateKnownSections(raw []byte, path string) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	var unknown []string
	for k := range doc {
		if !contains(knownSections, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("config %s: unknown section(s) %s (known: %s)",
			path, strings.Join(unknown, ", "), strings.Join(knownSections, ", "))
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// EnvOr returns the environment variable's value, or def if unset/blank.
// Mirrors the teacher's config.EnvOrSecret, minus the Marble-secret
// lookup this kernel has no TEE equivalent for.
func EnvOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvOrInt is EnvOr plus integer parsing, falling back to def on a
// missing or unparseable value.
func EnvOrInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// RequireEnv returns the environment variable's value or an error if it
// is unset. The kernel itself reads ANTHROPIC_API_KEY with os.Getenv in
// internal/kernel and does not call RequireEnv.
func RequireEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%s is required but not set", key)
	}
	return v, nil
}
