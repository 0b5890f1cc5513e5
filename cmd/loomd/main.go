package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/eventlog"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/instance"
	"github.com/loomworks/loom/pkg/launch"
	"github.com/loomworks/loom/pkg/observability"
	"github.com/loomworks/loom/pkg/serdes"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "loomd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := serdes.NewRegistry()
	if err := events.RegisterTypes(registry); err != nil {
		logger.Error("failed to register event types", "error", err)
		os.Exit(1)
	}

	log, closeLog, err := openEventLog(cfg, registry)
	if err != nil {
		logger.Error("failed to open event log", "backend", cfg.EventLogBackend, "error", err)
		os.Exit(1)
	}
	defer closeLog()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "loom-orchestrator",
		Environment:  strings.ToLower(cfg.LogLevel),
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		logger.Error("failed to init observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	inst := instance.New(log)

	profiles := map[string]*config.ExecutionProfile{}
	if cfg.ProfilesDir != "" {
		profiles, err = config.LoadAllProfiles(cfg.ProfilesDir)
		if err != nil {
			logger.Error("failed to load execution profiles", "dir", cfg.ProfilesDir, "error", err)
			os.Exit(1)
		}
		logger.Info("loaded execution profiles", "count", len(profiles))
	}

	orch := &orchestrator{
		cfg:      cfg,
		inst:     inst,
		registry: registry,
		profiles: profiles,
		obs:      obs,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /api/v1/runs", orch.submitRunHandler())
	mux.HandleFunc("GET /api/v1/runs/{run_id}/events", runEventsHandler(inst, logger))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("orchestrator listening", "addr", cfg.ListenAddr, "event_log", cfg.EventLogBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func openEventLog(cfg *config.Config, registry *serdes.Registry) (eventlog.Log, func(), error) {
	switch cfg.EventLogBackend {
	case "memory":
		return eventlog.NewMemoryLog(registry), func() {}, nil
	case "postgres":
		l, err := eventlog.OpenPostgresLog(cfg.DatabaseURL, registry)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		l, err := eventlog.OpenSQLiteLog(cfg.EventLogPath, registry)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	}
}

// orchestrator holds the collaborators run submission needs: the instance
// the engine appends through, loaded execution profiles, and the metrics
// provider wrapped around each attempt.
type orchestrator struct {
	cfg      *config.Config
	inst     *instance.Instance
	registry *serdes.Registry
	profiles map[string]*config.ExecutionProfile
	obs      *observability.Provider
	logger   *slog.Logger
}

type runRequest struct {
	PartitionKey string    `json:"partition_key,omitempty"`
	Profile      string    `json:"profile,omitempty"`
	Steps        []runStep `json:"steps"`
}

type runStep struct {
	Key         string              `json:"key"`
	DependsOn   []string            `json:"depends_on,omitempty"`
	OutputNames []string            `json:"output_names,omitempty"`
	Config      map[string]any      `json:"config,omitempty"`
	Resources   map[string]any      `json:"resources,omitempty"`
	Retry       *engine.RetryPolicy `json:"retry,omitempty"`
}

// newEngine builds an engine for one submission. Parallelism comes from the
// profile when it sets one, otherwise from the environment; the launcher
// carries the configured liveness and cancellation bounds; every step is
// remote and dials the profile's worker endpoint for its key.
func (o *orchestrator) newEngine(profile *config.ExecutionProfile) (*engine.Engine, error) {
	maxParallel := o.cfg.MaxParallel
	if profile.MaxParallel > 0 {
		maxParallel = profile.MaxParallel
	}

	launcher := launch.NewLauncher(o.inst, o.registry,
		launch.WithLivenessTimeout(o.cfg.LivenessTimeout),
		launch.WithCancelGrace(o.cfg.CancelGrace),
	)
	factory := func(ctx context.Context, step engine.Step) (launch.Transport, error) {
		url, ok := profile.WorkerURL(step.Key)
		if !ok {
			return nil, fmt.Errorf("profile %q has no worker endpoint for step %q", profile.Name, step.Key)
		}
		return launch.Dial(url)
	}

	opts := []engine.Option{
		engine.WithMaxParallel(maxParallel),
		engine.WithLauncher(launcher),
		engine.WithTransportFactory(factory),
	}
	if o.obs != nil {
		opts = append(opts, engine.WithAttemptTracker(o.obs.TrackStep))
	}
	return engine.New(o.inst, o.registry, opts...)
}

func (o *orchestrator) buildPlan(runID string, req runRequest, profile *config.ExecutionProfile) engine.Plan {
	plan := engine.Plan{RunID: runID, PartitionKey: req.PartitionKey}
	for _, s := range req.Steps {
		step := engine.Step{
			Key:         s.Key,
			OutputNames: s.OutputNames,
			Config:      s.Config,
			Resources:   s.Resources,
			DependsOn:   s.DependsOn,
			Remote:      true,
		}
		if s.Retry != nil {
			step.Retry = *s.Retry
		} else {
			step.Retry = engine.RetryPolicy{
				MaxRetries:  profile.Retry.MaxRetries,
				Expression:  profile.Retry.Expression,
				WaitSeconds: profile.Retry.WaitSeconds,
			}
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan
}

// submitRunHandler accepts a plan, allocates a run id, and executes the run
// in the background against the named execution profile's workers.
func (o *orchestrator) submitRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed run request", http.StatusBadRequest)
			return
		}
		if len(req.Steps) == 0 {
			http.Error(w, "run request has no steps", http.StatusBadRequest)
			return
		}

		name := strings.ToLower(req.Profile)
		if name == "" {
			name = "default"
		}
		profile, ok := o.profiles[name]
		if !ok && o.cfg.ProfilesDir != "" {
			// Profiles dropped into the directory after startup are picked
			// up on demand.
			if loaded, err := config.LoadProfile(o.cfg.ProfilesDir, name); err == nil {
				profile, ok = loaded, true
			}
		}
		if !ok {
			http.Error(w, fmt.Sprintf("unknown execution profile %q", name), http.StatusBadRequest)
			return
		}

		eng, err := o.newEngine(profile)
		if err != nil {
			o.logger.Error("failed to build engine", "error", err)
			http.Error(w, "failed to build engine", http.StatusInternalServerError)
			return
		}

		runID := o.inst.NewRunID()
		plan := o.buildPlan(runID, req, profile)

		go func() {
			result, err := eng.ExecuteRun(context.Background(), plan)
			if err != nil {
				o.logger.Error("run aborted", "run_id", runID, "error", err)
				return
			}
			o.logger.Info("run completed", "run_id", runID, "failed", result.Failed)
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
	}
}

type eventRecord struct {
	LogIndex  uint64          `json:"log_index"`
	StepKey   string          `json:"step_key"`
	EventType string          `json:"event_type"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// runEventsHandler returns a run's event history. Records whose payload can
// no longer be decoded are reported with their error instead of aborting the
// whole read.
func runEventsHandler(inst *instance.Instance, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("run_id")
		results, err := inst.ReadRun(r.Context(), runID)
		if err != nil {
			if errors.Is(err, eventlog.ErrNoSuchRun) {
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to read run", "run_id", runID, "error", err)
			http.Error(w, "failed to read run", http.StatusInternalServerError)
			return
		}

		records := make([]eventRecord, 0, len(results))
		for _, res := range results {
			rec := eventRecord{
				LogIndex:  res.Record.LogIndex,
				StepKey:   res.Record.StepKey,
				EventType: res.Record.EventType,
				Sequence:  res.Record.Sequence,
				Timestamp: res.Record.Timestamp,
			}
			if res.Err != nil {
				rec.Error = res.Err.Error()
			} else {
				rec.Payload = res.Record.Data
			}
			records = append(records, rec)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			logger.Error("failed to encode response", "error", err)
		}
	}
}
