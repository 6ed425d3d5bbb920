// Package mint implements the MintEngine: the sole authorized creator
// of new scrip, gated by task verification against public and hidden
// tests. SPEC_FULL.md §4.7.
//
// Grounded on the teacher's domain/automation/model.go status-lifecycle
// idiom (open/closed mirrors active/completed) for Task, and on the
// gasbank settlement path — reward crediting and bid escrow both flow
// through the same Ledger the rest of the kernel uses, never a private
// side-ledger.
package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/mintdom"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/sandbox"
	"github.com/r3e-network/econe/internal/store"
	"github.com/r3e-network/econe/pkg/kernelerr"
	"github.com/r3e-network/econe/pkg/logger"
)

// PoolPrincipal is the ledger principal that holds escrowed bids while
// a submission is under evaluation.
const PoolPrincipal = "kernel/mint-pool"

// Authority is the principal whose can_mint capability the engine uses
// to credit task rewards.
const Authority = "kernel/mint-engine"

// ExecutableContent mirrors internal/executor.ExecutableContent without
// importing that package; the executor in turn reaches this engine only
// through its NativeInvokable interface.
type ExecutableContent struct {
	Script string `json:"script"`
}

// Config configures an Engine.
type Config struct {
	Store   *store.Store
	Ledger  *ledger.Ledger
	Sandbox *sandbox.Engine
	IDs     *clock.IdRegistry
	Logger  *logger.Logger

	// TestTimeout bounds each individual test invocation.
	TestTimeout time.Duration
}

// Engine is the MintEngine.
type Engine struct {
	store   *store.Store
	ledger  *ledger.Ledger
	sandbox *sandbox.Engine
	ids     *clock.IdRegistry
	log     *logger.Logger

	testTimeout time.Duration

	mu          sync.Mutex
	submissions map[string]mintdom.Submission
}

// New returns a ready Engine. The pool and authority principals are
// ensured and granted can_mint immediately, mirroring how a genesis
// bootstrap grants capabilities to other kernel-owned principals.
func New(cfg Config) *Engine {
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("mint")
	}
	cfg.Ledger.EnsurePrincipal(PoolPrincipal)
	cfg.Ledger.EnsurePrincipal(Authority)
	cfg.Ledger.Grant(Authority, "can_mint")

	return &Engine{
		store: cfg.Store, ledger: cfg.Ledger, sandbox: cfg.Sandbox, ids: cfg.IDs,
		log: cfg.Logger, testTimeout: cfg.TestTimeout,
		submissions: make(map[string]mintdom.Submission),
	}
}

// Invoke implements executor.NativeInvokable: the mint engine is
// registered as a built-in artifact and reached through invoke_artifact
// rather than through the sandbox.
func (e *Engine) Invoke(ctx context.Context, caller, method string, args []any) (any, error) {
	switch method {
	case "submit_to_mint":
		taskID, artifactID, bid, err := parseSubmitArgs(args)
		if err != nil {
			return nil, err
		}
		return e.SubmitToMint(ctx, caller, taskID, artifactID, bid)
	default:
		return nil, kernelerr.New(kernelerr.InvalidArgument, fmt.Sprintf("mint engine has no method %q", method))
	}
}

func parseSubmitArgs(args []any) (taskID, artifactID string, bid int64, err error) {
	if len(args) < 3 {
		return "", "", 0, kernelerr.New(kernelerr.InvalidArgument, "submit_to_mint requires (task_id, artifact_id, bid)")
	}
	taskID, _ = args[0].(string)
	artifactID, _ = args[1].(string)
	switch v := args[2].(type) {
	case int64:
		bid = v
	case int:
		bid = int64(v)
	case float64:
		bid = int64(v)
	}
	if taskID == "" || artifactID == "" || bid <= 0 {
		return "", "", 0, kernelerr.New(kernelerr.InvalidArgument, "task_id, artifact_id, and a positive bid are required")
	}
	return taskID, artifactID, bid, nil
}

// CreateTask stores task as a kernel-protected mint_task artifact and
// returns its id.
func (e *Engine) CreateTask(task mintdom.Task, createdAtEvent uint64) (string, error) {
	if task.ID == "" {
		task.ID = e.ids.Generate("mint_task")
	}
	now := time.Now()
	task.Status = mintdom.TaskOpen
	task.CreatedAt, task.UpdatedAt = now, now

	content, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	a := &artifact.Artifact{
		ID: task.ID, Type: artifact.TypeMintTask, CreatedBy: task.CreatedBy,
		Content: content, KernelProtected: true, CreatedAtEvent: createdAtEvent,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := e.store.Put(a); err != nil {
		return "", err
	}
	return task.ID, nil
}

// SubmitToMint runs the full submission flow: escrow, public tests,
// hidden tests, reward-or-release. Every path ends with the bid
// returned to submitter; only passing all tests additionally credits
// the reward (spec.md §4.7 steps 1-5).
func (e *Engine) SubmitToMint(ctx context.Context, submitter, taskID, candidateID string, bid int64) (mintdom.Submission, error) {
	task, taskArtifact, err := e.loadTask(taskID)
	if err != nil {
		return mintdom.Submission{}, err
	}
	if task.Status != mintdom.TaskOpen {
		return mintdom.Submission{}, kernelerr.New(kernelerr.InvalidArgument, fmt.Sprintf("task %q is not open", taskID))
	}

	candidate, err := e.store.Get(candidateID)
	if err != nil {
		return mintdom.Submission{}, err
	}
	var content ExecutableContent
	if err := json.Unmarshal(candidate.Content, &content); err != nil {
		return mintdom.Submission{}, kernelerr.Wrap(kernelerr.InvariantViolation, "candidate artifact content is malformed", err)
	}

	if err := e.ledger.Transfer(submitter, PoolPrincipal, bid, "mint escrow: "+taskID); err != nil {
		return mintdom.Submission{}, err
	}

	subID := e.ids.Generate("mint_submission")
	e.ids.Claim(subID)
	sub := mintdom.Submission{
		ID: subID, TaskID: taskID, ArtifactID: candidateID,
		Submitter: submitter, Bid: bid, Status: mintdom.SubmissionPending, CreatedAt: time.Now(),
	}

	publicResults := e.runTests(ctx, content.Script, task.EntryPoint, task.PublicTests, false)
	sub.PublicResults = publicResults

	allPublicPass := allPassed(publicResults)
	if allPublicPass {
		hiddenResults := e.runTests(ctx, content.Script, task.EntryPoint, task.HiddenTests, true)
		sub.HiddenResults = redactTraces(hiddenResults)

		if allPassed(hiddenResults) {
			sub.Status = mintdom.SubmissionPassed
			if err := e.ledger.Mint(submitter, task.Reward, "mint task reward: "+taskID, Authority); err != nil {
				_ = e.ledger.Transfer(PoolPrincipal, submitter, bid, "mint escrow release: "+taskID)
				return mintdom.Submission{}, err
			}
			task.Status = mintdom.TaskClosed
			if err := e.saveTask(task, taskArtifact); err != nil {
				_ = e.ledger.Transfer(PoolPrincipal, submitter, bid, "mint escrow release: "+taskID)
				return mintdom.Submission{}, err
			}
		} else {
			sub.Status = mintdom.SubmissionFailed
			sub.FailureReason = "hidden tests failed"
		}
	} else {
		sub.Status = mintdom.SubmissionFailed
		sub.FailureReason = "public tests failed"
	}

	// Bid is always released: escrow is custody, never confiscation.
	if err := e.ledger.Transfer(PoolPrincipal, submitter, bid, "mint escrow release: "+taskID); err != nil {
		return mintdom.Submission{}, err
	}
	sub.ResolvedAt = time.Now()

	e.mu.Lock()
	e.submissions[sub.ID] = sub
	e.mu.Unlock()

	return sub, nil
}

func (e *Engine) loadTask(taskID string) (mintdom.Task, *artifact.Artifact, error) {
	a, err := e.store.Get(taskID)
	if err != nil {
		return mintdom.Task{}, nil, err
	}
	var task mintdom.Task
	if err := json.Unmarshal(a.Content, &task); err != nil {
		return mintdom.Task{}, nil, kernelerr.Wrap(kernelerr.InvariantViolation, "mint task content is malformed", err)
	}
	return task, a, nil
}

func (e *Engine) saveTask(task mintdom.Task, a *artifact.Artifact) error {
	task.UpdatedAt = time.Now()
	content, err := json.Marshal(task)
	if err != nil {
		return err
	}
	a.Content = content
	a.UpdatedAt = task.UpdatedAt
	return e.store.Put(a)
}

func (e *Engine) runTests(ctx context.Context, script, entryPoint string, tests []mintdom.TestCase, hidden bool) []mintdom.TestResult {
	out := make([]mintdom.TestResult, 0, len(tests))
	for _, tc := range tests {
		res, err := e.sandbox.Run(ctx, sandbox.Request{
			Script: script, EntryPoint: entryPoint, Args: tc.Input, Timeout: e.testTimeout,
		})
		tr := mintdom.TestResult{Name: tc.Name, Hidden: hidden}
		if err != nil {
			tr.Trace = fmt.Sprintf("error: %v", err)
			out = append(out, tr)
			e.log.WithField("test", tc.Name).WithField("hidden", hidden).Warn("mint test invocation failed")
			continue
		}
		tr.Passed = deepEqual(res.Output, tc.Expect)
		if !tr.Passed {
			tr.Trace = fmt.Sprintf("expected %v, got %v", tc.Expect, res.Output)
		}
		out = append(out, tr)
	}
	return out
}

// Submissions returns every recorded submission, most recent first —
// used by query_kernel's "mint" query type.
func (e *Engine) Submissions() []mintdom.Submission {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]mintdom.Submission, 0, len(e.submissions))
	for _, s := range e.submissions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// LoadSubmissions repopulates the engine's in-memory submission index
// from a Checkpoint snapshot. Task state itself needs no separate
// restore path: mint tasks live in the store as ordinary kernel-
// protected artifacts and come back with the rest of the store
// snapshot.
func (e *Engine) LoadSubmissions(submissions []mintdom.Submission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range submissions {
		e.submissions[s.ID] = s
	}
}

func allPassed(results []mintdom.TestResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func redactTraces(results []mintdom.TestResult) []mintdom.TestResult {
	out := make([]mintdom.TestResult, len(results))
	for i, r := range results {
		out[i] = mintdom.TestResult{Name: r.Name, Passed: r.Passed, Hidden: true}
	}
	return out
}

func deepEqual(got, want any) bool {
	gotJSON, gerr := json.Marshal(got)
	wantJSON, werr := json.Marshal(want)
	if gerr != nil || werr != nil {
		return false
	}
	return string(gotJSON) == string(wantJSON)
}
