// Package scheduler implements the AgentScheduler: concurrent
// cooperative agent loops, prompt assembly under a token budget, and
// the built-in kernel/llm-gateway artifact every agent's cognition
// routes through. SPEC_FULL.md §4.6.
//
// Grounded on the teacher's system/engine/service_v2.go and
// system/engine/callback.go request/response/callback loop shape
// (generalized here from a service-method call to one agent step) and
// on the pack's JIT prompt compiler's priority-budget atom selection
// (reused as PromptSection/Assemble).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/econe/internal/executor"
	"github.com/r3e-network/econe/pkg/kernelerr"
	"github.com/r3e-network/econe/pkg/logger"
)

// defaultBackoff is how long a frozen agent waits before retrying after
// a resource-quota/rate failure (spec.md §4.6 "back-pressure"), absent an
// explicit Config.Backoff.
const defaultBackoff = 500 * time.Millisecond

// Config configures a Scheduler.
type Config struct {
	Executor *executor.Executor
	Logger   *logger.Logger
	Backoff  time.Duration
}

// Scheduler runs N agent loops concurrently — cooperative per agent
// (one in-flight LLM call at a time, enforced simply by each agent
// running its own sequential goroutine), parallel across agents
// (spec.md §5).
type Scheduler struct {
	ex      *executor.Executor
	log     *logger.Logger
	backoff time.Duration

	mu     sync.Mutex
	agents map[string]*Agent
	cancel map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a ready Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("scheduler")
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Scheduler{
		ex: cfg.Executor, log: cfg.Logger, backoff: cfg.Backoff,
		agents: make(map[string]*Agent), cancel: make(map[string]context.CancelFunc),
	}
}

// Spawn starts an agent loop running against ctx until Stop(agentID) is
// called, ctx is cancelled, or the agent's principal artifact is
// deleted (spec.md §4.6 "Agent termination").
func (s *Scheduler) Spawn(ctx context.Context, cfg AgentConfig) {
	agent := NewAgent(cfg, s.ex)
	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.agents[cfg.AgentID] = agent
	s.cancel[cfg.AgentID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(loopCtx, agent)
}

// Stop cancels one agent's loop. A no-op if the agent is not running.
func (s *Scheduler) Stop(agentID string) {
	s.mu.Lock()
	cancel, ok := s.cancel[agentID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until every spawned agent loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Agent returns the running Agent for agentID, for tests and for
// query-kernel style introspection of its in-memory history.
func (s *Scheduler) Agent(agentID string) (*Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	return a, ok
}

func (s *Scheduler) run(ctx context.Context, agent *Agent) {
	defer s.wg.Done()
	defer s.forget(agent.cfg.AgentID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.isTerminated(ctx, agent.cfg.AgentID) {
			return
		}

		result, err := agent.Step(ctx)
		if err != nil {
			s.log.WithField("agent_id", agent.cfg.AgentID).WithField("error", err.Error()).
				Warn("agent step failed outside the action envelope")
			continue
		}
		if !result.Success && isBackpressureKind(result.ErrorKind) {
			s.log.WithField("agent_id", agent.cfg.AgentID).WithField("error_kind", result.ErrorKind).
				Debug("agent suspended on resource backpressure")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.backoff):
			}
		}
	}
}

func (s *Scheduler) forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
	delete(s.cancel, agentID)
}

func isBackpressureKind(kind string) bool {
	return kind == string(kernelerr.RateExceeded) || kind == string(kernelerr.InsufficientResource) ||
		kind == string(kernelerr.InsufficientScrip)
}

// isTerminated reports whether agentID's principal artifact has been
// deleted (spec.md §4.6 "Agent termination").
func (s *Scheduler) isTerminated(ctx context.Context, agentID string) bool {
	return !s.ex.ArtifactExists(ctx, agentID)
}
