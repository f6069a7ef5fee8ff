package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/goals"
	"github.com/dukex/nexus/pkg/metrics"
	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/persistence/file"
	"github.com/dukex/nexus/pkg/snapshot"
	"github.com/dukex/nexus/pkg/supervisor"
	"github.com/dukex/nexus/pkg/web"
	"github.com/dukex/nexus/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	app          *fiber.App
	orchestrator *workflow.Orchestrator
	tracker      *goals.Tracker
	store        *file.Persistence
}

func setupTestApp(t *testing.T, ready web.ReadinessCheck) *testEnv {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	bus := eventbus.New(logger)
	bindings := workflow.NewBindings()

	require.NoError(t, bindings.Bind("scanner", "scan", func(_ context.Context, args map[string]any) (any, error) {
		if args["fail"] == true {
			return nil, errors.New("target unreachable")
		}

		return map[string]any{"open_ports": 2}, nil
	}))

	orchestrator, err := workflow.New(bus, bindings, logger)
	require.NoError(t, err)

	require.NoError(t, orchestrator.Register(&models.Workflow{
		Name: "scan",
		Steps: []models.Step{
			{Kind: models.StepKindServiceCall, Params: map[string]any{"service": "scanner", "method": "scan"}},
		},
	}))
	require.NoError(t, orchestrator.Register(&models.Workflow{
		Name: "broken",
		Steps: []models.Step{
			{Kind: models.StepKindServiceCall, Params: map[string]any{
				"service": "scanner", "method": "scan", "args": map[string]any{"fail": true},
			}},
		},
	}))

	registry := supervisor.NewRegistry()
	require.NoError(t, registry.Register(orchestrator))

	store := file.NewPersistence(t.TempDir())
	manager := snapshot.NewManager(bus, store, registry, logger, snapshot.WithCollectionWindow(500*time.Millisecond))

	responder := snapshot.NewResponder(bus, registry, logger)
	require.NoError(t, responder.Attach())
	t.Cleanup(responder.Detach)

	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	require.NoError(t, err)
	require.NoError(t, collector.Attach(bus))

	tracker := goals.NewTracker(bus, logger)
	sup := supervisor.New(registry, bus, logger)

	server := web.NewServer(logger, sup, orchestrator, manager, tracker, reg, ready)

	return &testEnv{app: server.App(), orchestrator: orchestrator, tracker: tracker, store: store}
}

func do(t *testing.T, app *fiber.App, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func TestAPI_HealthEndpoints(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t, nil)

	status, body := do(t, env.app, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	status, _ = do(t, env.app, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, status)

	unready := setupTestApp(t, func(context.Context) error { return errors.New("database down") })
	status, _ = do(t, unready.app, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestAPI_ListServicesAndWorkflows(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t, nil)

	status, body := do(t, env.app, http.MethodGet, "/services", nil)
	require.Equal(t, http.StatusOK, status)

	var records []models.ServiceRecord
	require.NoError(t, json.Unmarshal(body, &records))
	require.Len(t, records, 1)
	assert.Equal(t, workflow.ServiceName, records[0].Name)
	assert.Equal(t, models.ServiceStateStopped, records[0].State)

	status, body = do(t, env.app, http.MethodGet, "/workflows", nil)
	require.Equal(t, http.StatusOK, status)

	var workflows []web.WorkflowResponse
	require.NoError(t, json.Unmarshal(body, &workflows))
	require.Len(t, workflows, 2)
	assert.Equal(t, "broken", workflows[0].Name)
	assert.Equal(t, "scan", workflows[1].Name)
}

func TestAPI_TriggerWorkflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		path           string
		body           any
		expectedStatus int
		validate       func(t *testing.T, body []byte)
	}{
		{
			name:           "completed run",
			path:           "/workflows/scan/trigger",
			body:           web.TriggerWorkflowRequest{Payload: map[string]any{"target": "10.0.0.1"}},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, body []byte) {
				t.Helper()

				var resp web.TriggerWorkflowResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Equal(t, models.RunStateCompleted, resp.Run.State)
				assert.Equal(t, "10.0.0.1", resp.Run.TriggerPayload["target"])
				assert.Empty(t, resp.Error)
			},
		},
		{
			name:           "trigger without body",
			path:           "/workflows/scan/trigger",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "failed run",
			path:           "/workflows/broken/trigger",
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, body []byte) {
				t.Helper()

				var resp web.TriggerWorkflowResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Equal(t, models.RunStateFailed, resp.Run.State)
				assert.Contains(t, resp.Error, "target unreachable")
			},
		},
		{
			name:           "unknown workflow",
			path:           "/workflows/missing_workflow/trigger",
			expectedStatus: http.StatusNotFound,
			validate: func(t *testing.T, body []byte) {
				t.Helper()
				assert.Contains(t, string(body), "not_found")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := setupTestApp(t, nil)

			status, body := do(t, env.app, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.expectedStatus, status, string(body))

			if tt.validate != nil {
				tt.validate(t, body)
			}
		})
	}
}

func TestAPI_RunsAndMetrics(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t, nil)

	_, err := env.orchestrator.Trigger(context.Background(), "scan", nil)
	require.NoError(t, err)
	_, err = env.orchestrator.Trigger(context.Background(), "scan", nil)
	require.NoError(t, err)

	status, body := do(t, env.app, http.MethodGet, "/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, status)

	var runs []models.WorkflowRun
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.Len(t, runs, 1)

	status, _ = do(t, env.app, http.MethodGet, "/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, env.app, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `nexus_workflow_runs_total{state="completed",workflow="scan"} 2`)
}

func TestAPI_SnapshotCycle(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t, nil)

	status, body := do(t, env.app, http.MethodPost, "/snapshots/restore", nil)
	require.Equal(t, http.StatusOK, status)

	var restore web.RestoreResponse
	require.NoError(t, json.Unmarshal(body, &restore))
	assert.False(t, restore.Restored)

	_, err := env.orchestrator.Trigger(context.Background(), "scan", nil)
	require.NoError(t, err)

	status, body = do(t, env.app, http.MethodPost, "/snapshots", nil)
	require.Equal(t, http.StatusCreated, status, string(body))

	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Contains(t, snap.Services, workflow.ServiceName)

	status, body = do(t, env.app, http.MethodGet, "/snapshots", nil)
	require.Equal(t, http.StatusOK, status)

	var listed []models.Snapshot
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, snap.ID, listed[0].ID)

	status, body = do(t, env.app, http.MethodPost, "/snapshots/restore", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &restore))
	assert.True(t, restore.Restored)
	assert.Equal(t, snap.ID, restore.SnapshotID)
	assert.Empty(t, restore.Error)
}

func TestAPI_Goals(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t, nil)

	status, _ := do(t, env.app, http.MethodPost, "/goals", map[string]any{"name": "Uptime"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, env.app, http.MethodPost, "/goals", map[string]any{"name": "Uptime", "target": 99.9})
	require.Equal(t, http.StatusNoContent, status)

	status, _ = do(t, env.app, http.MethodPut, "/goals/Uptime", map[string]any{"current": 97.5})
	require.Equal(t, http.StatusNoContent, status)

	status, _ = do(t, env.app, http.MethodPut, "/goals/Latency", map[string]any{"current": 10})
	assert.Equal(t, http.StatusNotFound, status)

	status, body := do(t, env.app, http.MethodGet, "/goals", nil)
	require.Equal(t, http.StatusOK, status)

	var listed []models.Goal
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed, 1)
	require.NotNil(t, listed[0].Current)
	assert.InDelta(t, 97.5, *listed[0].Current, 0.0001)
}
