// Command econe-sim boots one kernel, spawns the agents named in a
// roster file, serves the observability surface, and runs until
// signalled or the world's configured duration elapses.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/r3e-network/econe/internal/bootstrap"
	"github.com/r3e-network/econe/internal/kernel"
	"github.com/r3e-network/econe/internal/scheduler"
	"github.com/r3e-network/econe/pkg/kconfig"
)

// roster is the world's initial population: who exists at genesis and
// what each one's agent loop looks like. Config (pkg/kconfig) governs
// kernel mechanics; roster governs who's in the world.
type roster struct {
	Agents []rosterAgent `yaml:"agents"`
}

type rosterAgent struct {
	ID              string `yaml:"id"`
	InitialScrip    int64  `yaml:"initial_scrip"`
	SystemPrompt    string `yaml:"system_prompt"`
	CognitiveSchema string `yaml:"cognitive_schema"`
}

func main() {
	log := logrus.WithField("app", "econe-sim")

	basePath := flag.String("config", "config/base.yaml", "base kernel config")
	profilePath := flag.String("profile", "", "profile config overlay")
	userPath := flag.String("user-config", "", "user config overlay")
	rosterPath := flag.String("roster", "", "YAML file listing the agents to spawn at boot")
	flag.Parse()

	cfg, err := kconfig.Load(*basePath, *profilePath, *userPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	seeds, agents, err := loadRoster(*rosterPath)
	if err != nil {
		log.WithError(err).Fatal("load roster")
	}

	k, err := kernel.Boot(cfg, seeds)
	if err != nil {
		log.WithError(err).Fatal("boot kernel")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.World.MaxDurationSeconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.World.MaxDurationSeconds)*time.Second)
		defer cancel()
	}

	for _, a := range agents {
		k.SpawnAgent(ctx, a)
	}
	k.Metrics.SetActiveAgents(len(agents))
	log.WithField("count", len(agents)).Info("agents spawned")

	servers := startObservability(cfg, k, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("signal received, shutting down")
	case <-ctx.Done():
		log.Info("world duration elapsed, shutting down")
	}

	cancel()
	k.Scheduler.Wait()
	for _, s := range servers {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.Shutdown(shutdownCtx)
		shutdownCancel()
	}
}

// loadRoster reads path (if set) and returns the bootstrap seed list
// plus the fully-defaulted scheduler.AgentConfig for each, in file
// order. An empty path boots a kernel with no agents — useful for
// serving the dashboard surface against a hand-driven kernelface.
func loadRoster(path string) ([]bootstrap.SeedAgent, []scheduler.AgentConfig, error) {
	if path == "" {
		return nil, nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var r roster
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, nil, err
	}
	seeds := make([]bootstrap.SeedAgent, 0, len(r.Agents))
	agents := make([]scheduler.AgentConfig, 0, len(r.Agents))
	for _, a := range r.Agents {
		seeds = append(seeds, bootstrap.SeedAgent{ID: a.ID, InitialScrip: a.InitialScrip})
		agents = append(agents, scheduler.AgentConfig{
			AgentID:         a.ID,
			SystemPrompt:    a.SystemPrompt,
			CognitiveSchema: a.CognitiveSchema,
		})
	}
	return seeds, agents, nil
}

// startObservability brings up the metrics and event-tail HTTP surfaces
// named in cfg.Observability, returning the listeners that need a
// graceful Shutdown. Either address may be blank, in which case that
// surface never listens.
func startObservability(cfg *kconfig.Config, k *kernel.Kernel, log *logrus.Entry) []*http.Server {
	var servers []*http.Server

	if cfg.Observability.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server")
			}
		}()
		servers = append(servers, srv)
	}

	if cfg.Observability.TailAddr != "" {
		srv := &http.Server{Addr: cfg.Observability.TailAddr, Handler: k.Tail.Router()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("event-tail server")
			}
		}()
		servers = append(servers, srv)
	}

	return servers
}
