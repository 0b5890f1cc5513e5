package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/eventlog"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/execution"
	"github.com/loomworks/loom/pkg/instance"
	"github.com/loomworks/loom/pkg/launch"
	"github.com/loomworks/loom/pkg/observability"
	"github.com/loomworks/loom/pkg/serdes"
)

func newTestOrchestrator(t *testing.T, workerURL string) *orchestrator {
	t.Helper()
	registry := serdes.NewRegistry()
	require.NoError(t, events.RegisterTypes(registry))
	inst := instance.New(eventlog.NewMemoryLog(registry))

	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	return &orchestrator{
		cfg: &config.Config{
			MaxParallel:     4,
			LivenessTimeout: 5 * time.Second,
			CancelGrace:     2 * time.Second,
		},
		inst:     inst,
		registry: registry,
		profiles: map[string]*config.ExecutionProfile{
			"default": {
				Name:        "default",
				MaxParallel: 2,
				Workers:     map[string]config.Worker{"default": {URL: workerURL}},
			},
		},
		obs:    obs,
		logger: slog.Default(),
	}
}

func submitRun(t *testing.T, orch *orchestrator, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	orch.submitRunHandler()(rr, req)
	return rr
}

func TestSubmitRunExecutesRemoteSteps(t *testing.T) {
	registry := serdes.NewRegistry()
	require.NoError(t, events.RegisterTypes(registry))

	runner := launch.NewRunner(registry)
	runner.RegisterStep("emit", func(ctx context.Context, sc *execution.StepContext) error {
		m, err := events.NewMaterialization("sample", map[string]any{"rows": 7})
		if err != nil {
			return err
		}
		return sc.LogEvent(m)
	})
	srv := httptest.NewServer(launch.NewServer(runner, nil))
	t.Cleanup(srv.Close)

	orch := newTestOrchestrator(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	rr := submitRun(t, orch, `{"steps":[{"key":"emit","output_names":["result"]}]}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	runID := resp["run_id"]
	require.NotEmpty(t, runID)

	// The run executes in the background; wait for the terminal event.
	assert.Eventually(t, func() bool {
		results, err := orch.inst.ReadRun(context.Background(), runID)
		if err != nil {
			return false
		}
		for _, res := range results {
			if res.Err == nil && res.Event.Type == events.TypeStepSuccess {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	results, err := orch.inst.ReadRun(context.Background(), runID)
	require.NoError(t, err)
	var sawMaterialization bool
	for _, res := range results {
		require.NoError(t, res.Err)
		if res.Event.Type == events.TypeMaterialization {
			sawMaterialization = true
		}
	}
	assert.True(t, sawMaterialization)
}

func TestSubmitRunRejectsUnknownProfile(t *testing.T) {
	orch := newTestOrchestrator(t, "ws://unused")
	rr := submitRun(t, orch, `{"profile":"missing","steps":[{"key":"emit"}]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown execution profile")
}

func TestSubmitRunLoadsProfileOnDemand(t *testing.T) {
	orch := newTestOrchestrator(t, "ws://unused")
	dir := t.TempDir()
	orch.cfg.ProfilesDir = dir

	profile := "name: batch\nmax_parallel: 1\nworkers:\n  default:\n    url: ws://unused\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_batch.yaml"), []byte(profile), 0o644))

	rr := submitRun(t, orch, `{"profile":"batch","steps":[{"key":"emit"}]}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestSubmitRunRejectsEmptyPlan(t *testing.T) {
	orch := newTestOrchestrator(t, "ws://unused")
	rr := submitRun(t, orch, `{"steps":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmitRunRejectsMalformedBody(t *testing.T) {
	orch := newTestOrchestrator(t, "ws://unused")
	rr := submitRun(t, orch, `{"steps": not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// A profile without MaxParallel falls back to the environment's setting.
func TestNewEngineUsesConfiguredParallelism(t *testing.T) {
	orch := newTestOrchestrator(t, "ws://unused")
	orch.profiles["default"].MaxParallel = 0

	eng, err := orch.newEngine(orch.profiles["default"])
	require.NoError(t, err)
	require.NotNil(t, eng)
}
