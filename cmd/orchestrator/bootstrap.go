package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktr0328/orchestrator-core/internal/cache"
	"github.com/ktr0328/orchestrator-core/internal/catalog"
	"github.com/ktr0328/orchestrator-core/internal/controlplane"
	"github.com/ktr0328/orchestrator-core/internal/envelope"
	"github.com/ktr0328/orchestrator-core/internal/jobengine"
	"github.com/ktr0328/orchestrator-core/internal/server"
	"github.com/ktr0328/orchestrator-core/internal/store"
	"github.com/ktr0328/orchestrator-core/internal/supervisor"
	"github.com/ktr0328/orchestrator-core/pkg/logging"
)

const (
	envAddr           = "ORCHESTRATOR_ADDR"
	envDataDir        = "ORCHESTRATOR_DATA_DIR"
	envCatalogPath    = "ORCHESTRATOR_CATALOG_PATH"
	envLogLevel       = "ORCHESTRATOR_LOG_LEVEL"
	envHistorySize    = "ORCHESTRATOR_EVENT_HISTORY_SIZE"
	envWorkersConfig  = "ORCHESTRATOR_WORKERS_CONFIG"
	defaultAddr       = ":8090"
	defaultDataDir    = "./data"
	defaultCatalog    = "./recipes/catalog.json"
	defaultHistorySz  = 2000
	workerHealthcheck = 2 * time.Second
)

func newServeCommand() *cobra.Command {
	var skipStartupHealthCheck bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: spawn workers, hydrate jobs, and serve the control-plane HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), skipStartupHealthCheck)
		},
	}
	cmd.Flags().BoolVar(&skipStartupHealthCheck, "skip-health-check", false, "skip the startup ping to every worker")
	return cmd
}

func newRecipesCommand() *cobra.Command {
	recipes := &cobra.Command{
		Use:   "recipes",
		Short: "Inspect and validate the recipe catalog.",
	}
	recipes.AddCommand(newRecipesValidateCommand())
	return recipes
}

func newRecipesValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the recipe catalog without starting the orchestrator.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getenvDefault(envCatalogPath, defaultCatalog)
			cat, err := catalog.LoadCatalog(path)
			if err != nil {
				return fmt.Errorf("catalog %s is invalid: %w", path, err)
			}
			logging.Infof("catalog %s is valid: %d recipe(s)", path, len(cat.List()))
			return nil
		},
	}
}

func runServe(ctx context.Context, skipHealthCheck bool) error {
	logging.SetLevelFromString(os.Getenv(envLogLevel))

	dataDir := getenvDefault(envDataDir, defaultDataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cat, err := catalog.LoadCatalog(getenvDefault(envCatalogPath, defaultCatalog))
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	cacheStore, err := cache.NewStore(filepath.Join(dataDir, "step_cache.json"))
	if err != nil {
		return fmt.Errorf("open step cache: %w", err)
	}

	jobStore, err := store.NewJSONJobStore(filepath.Join(dataDir, "jobs.log"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobStore.Close()

	prefs, err := store.NewPreferencesStore(filepath.Join(dataDir, "preferences.json"))
	if err != nil {
		return fmt.Errorf("open preferences store: %w", err)
	}

	workerConfigs, err := buildWorkerConfigs()
	if err != nil {
		return fmt.Errorf("build worker configs: %w", err)
	}

	sink := &engineEventSink{}
	sup := supervisor.New(workerConfigs, sink)
	eng := jobengine.New(jobStore, sup, cacheStore)
	eng.SetCatalog(cat)
	sink.engine = eng

	cp := controlplane.New(cat, eng, jobStore, prefs, historySize())

	if err := sup.StartAll(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer sup.StopAll()

	if !skipHealthCheck {
		healthCtx, cancel := context.WithTimeout(ctx, workerHealthcheck)
		err := eng.HealthCheckAll(healthCtx, envelope.Workers)
		cancel()
		if err != nil {
			logging.Warnf("startup health check did not pass for every worker: %v", err)
		}
	}

	if err := eng.Hydrate(); err != nil {
		return fmt.Errorf("hydrate job store: %w", err)
	}

	srv := server.NewServer(cp)
	addr := getenvDefault(envAddr, defaultAddr)

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("orchestrator listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logging.Infof("shutting down orchestrator")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildWorkerConfigs assembles each worker's spawn configuration, first
// from the environment and then from a YAML worker-config file (if
// ORCHESTRATOR_WORKERS_CONFIG is set), whose entries take precedence per
// worker. Workers left unconfigured by both sources only get a warning
// (not a fatal error), so `serve` can still start against a partial fleet
// during development.
func buildWorkerConfigs() (map[envelope.Worker]supervisor.SpawnConfig, error) {
	configs := map[envelope.Worker]supervisor.SpawnConfig{}
	for _, w := range envelope.Workers {
		if cfg, ok := workerConfigFromEnv(w); ok {
			configs[w] = cfg
		}
	}

	if path := os.Getenv(envWorkersConfig); path != "" {
		fileConfigs, err := supervisor.LoadSpawnConfigFile(path)
		if err != nil {
			return nil, err
		}
		for w, cfg := range fileConfigs {
			configs[w] = cfg
		}
	}

	for _, w := range envelope.Workers {
		cfg, ok := configs[w]
		if !ok {
			logging.Warnf("no spawn command configured for worker %s (set ORCHESTRATOR_%s_WORKER_CMD or add it to %s)", w, strings.ToUpper(string(w)), envWorkersConfig)
			continue
		}
		logging.Infof("worker %s configured: %s %v", w, cfg.Executable, cfg.Args)
	}
	return configs, nil
}

func workerConfigFromEnv(w envelope.Worker) (supervisor.SpawnConfig, bool) {
	prefix := "ORCHESTRATOR_" + strings.ToUpper(string(w)) + "_WORKER_"
	exe := os.Getenv(prefix + "CMD")
	if exe == "" {
		return supervisor.SpawnConfig{}, false
	}
	var args []string
	if raw := os.Getenv(prefix + "ARGS"); raw != "" {
		args = strings.Fields(raw)
	}
	return supervisor.SpawnConfig{
		Executable: exe,
		Args:       args,
		Dir:        os.Getenv(prefix + "DIR"),
		Env:        os.Environ(),
	}, true
}

func historySize() int {
	raw := os.Getenv(envHistorySize)
	if raw == "" {
		return defaultHistorySz
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logging.Warnf("invalid %s=%q, using default %d", envHistorySize, raw, defaultHistorySz)
		return defaultHistorySz
	}
	return n
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// engineEventSink bridges supervisor-level worker status/progress/message
// events onto the engine's own event bus, so the control plane's single
// history ring buffer and websocket stream carry both job/step events and
// worker-lifecycle events.
type engineEventSink struct {
	engine *jobengine.Engine
}

func (s *engineEventSink) Publish(worker envelope.Worker, evt envelope.EventEnvelope) {
	e := jobengine.Event{
		Type:   jobengine.EventWorkerStatus,
		Worker: worker,
		State:  evt.Event,
		Code:   evt.Code,
	}
	if evt.Message != nil {
		e.Message = *evt.Message
	}
	if evt.Error != nil {
		e.Error = envelope.NewRetryableError("%s", *evt.Error)
	}
	e.Output = evt.Data
	s.engine.Events().Publish(e)
}
