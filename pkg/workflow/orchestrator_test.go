package workflow_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/nexus/pkg/errdefs"
	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepTrace struct {
	mu    sync.Mutex
	steps []string
}

func (tr *stepTrace) add(step string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.steps = append(tr.steps, step)
}

func (tr *stepTrace) all() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return append([]string(nil), tr.steps...)
}

type rejectAll struct{}

func (rejectAll) Check(context.Context, *models.Workflow) error {
	return errors.New("missing principle")
}

func newTestOrchestrator(t *testing.T, opts ...workflow.Option) (*workflow.Orchestrator, *eventbus.Bus, *workflow.Bindings) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	bus := eventbus.New(logger)
	bindings := workflow.NewBindings()

	o, err := workflow.New(bus, bindings, logger, opts...)
	require.NoError(t, err)

	return o, bus, bindings
}

func eventStep(eventType string, data map[string]any) models.Step {
	return models.Step{Kind: models.StepKindEvent, Params: map[string]any{"event_type": eventType, "data": data}}
}

func callStep(service, method string, args map[string]any) models.Step {
	return models.Step{Kind: models.StepKindServiceCall, Params: map[string]any{"service": service, "method": method, "args": args}}
}

func TestOrchestrator_TriggerPublishesEventStep(t *testing.T) {
	t.Parallel()

	o, bus, _ := newTestOrchestrator(t)

	var received []events.Event

	_, err := bus.Subscribe("core_ping", func(_ context.Context, event events.Event) error {
		received = append(received, event)

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, o.Register(&models.Workflow{
		Name:  "scan",
		Steps: []models.Step{eventStep("core_ping", map[string]any{})},
	}))

	run, err := o.Trigger(context.Background(), "scan", map[string]any{})
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, map[string]any{}, received[0].Payload)
	assert.Equal(t, models.RunStateCompleted, run.State)
	require.Len(t, run.ExecutedSteps, 1)
	assert.Equal(t, "core_ping", run.ExecutedSteps[0].Outcome)
	assert.NotNil(t, run.CompletedAt)
}

func TestOrchestrator_TriggerUnknownWorkflow(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t)

	run, err := o.Trigger(context.Background(), "missing_workflow", map[string]any{})

	assert.Nil(t, run)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, o.Runs(0))
}

func TestOrchestrator_EventStepCompletesBeforeServiceCall(t *testing.T) {
	t.Parallel()

	o, bus, bindings := newTestOrchestrator(t)
	tr := &stepTrace{}

	_, err := bus.Subscribe("core_scan_requested", func(context.Context, events.Event) error {
		time.Sleep(20 * time.Millisecond)
		tr.add("subscriber")

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bindings.Bind("scanner", "scan", func(_ context.Context, args map[string]any) (any, error) {
		tr.add("service_call")

		return map[string]any{"target": args["target"]}, nil
	}))

	require.NoError(t, o.Register(&models.Workflow{
		Name: "scan",
		Steps: []models.Step{
			eventStep("core_scan_requested", nil),
			callStep("scanner", "scan", map[string]any{"target": "10.0.0.1"}),
		},
	}))

	run, err := o.Trigger(context.Background(), "scan", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"subscriber", "service_call"}, tr.all())
	assert.Equal(t, map[string]any{"target": "10.0.0.1"}, run.ExecutedSteps[1].Outcome)
}

func TestOrchestrator_FailingStepAbortsRun(t *testing.T) {
	t.Parallel()

	o, bus, bindings := newTestOrchestrator(t)

	var (
		mu        sync.Mutex
		published []events.EventType
	)

	record := func(_ context.Context, event events.Event) error {
		mu.Lock()
		defer mu.Unlock()

		published = append(published, event.Type)

		return nil
	}

	for _, eventType := range []events.EventType{"core_first", "core_last", events.WorkflowRunFailedEvent} {
		_, err := bus.Subscribe(eventType, record)
		require.NoError(t, err)
	}

	require.NoError(t, bindings.Bind("scanner", "scan", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("target unreachable")
	}))

	require.NoError(t, o.Register(&models.Workflow{
		Name: "scan",
		Steps: []models.Step{
			eventStep("core_first", nil),
			callStep("scanner", "scan", nil),
			eventStep("core_last", nil),
		},
	}))

	run, err := o.Trigger(context.Background(), "scan", nil)

	var stepErr *workflow.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)
	assert.Equal(t, models.StepKindServiceCall, stepErr.Kind)

	assert.Equal(t, models.RunStateFailed, run.State)
	require.NotNil(t, run.FailedStep)
	assert.Equal(t, 1, *run.FailedStep)
	assert.Equal(t, "target unreachable", run.Error)
	assert.Len(t, run.ExecutedSteps, 2)

	mu.Lock()
	assert.Equal(t, []events.EventType{"core_first", events.WorkflowRunFailedEvent}, published)
	mu.Unlock()

	runs := o.Runs(0)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestOrchestrator_DecisionStep(t *testing.T) {
	t.Parallel()

	o, _, bindings := newTestOrchestrator(t)

	require.NoError(t, bindings.Bind("scanner", "scan", func(context.Context, map[string]any) (any, error) {
		return map[string]any{"open_ports": 3}, nil
	}))

	require.NoError(t, o.Register(&models.Workflow{
		Name: "triage",
		Steps: []models.Step{
			callStep("scanner", "scan", nil),
			{Kind: models.StepKindDecision, Params: map[string]any{"rules": []any{
				map[string]any{"when": `trigger.mode == "strict" && outcomes["0"].open_ports > 0`, "action": "escalate"},
				map[string]any{"when": `outcomes["0"].open_ports > 10`, "action": "report"},
			}}},
		},
	}))

	run, err := o.Trigger(context.Background(), "triage", map[string]any{"mode": "strict"})
	require.NoError(t, err)
	assert.Equal(t, "escalate", run.ExecutedSteps[1].Outcome)

	run, err = o.Trigger(context.Background(), "triage", map[string]any{"mode": "lenient"})
	require.NoError(t, err)
	assert.Equal(t, models.NoOpOutcome, run.ExecutedSteps[1].Outcome)
	assert.Equal(t, models.RunStateCompleted, run.State)
}

func TestOrchestrator_RegisterRejectsUnboundServiceCall(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t)

	err := o.Register(&models.Workflow{Name: "scan", Steps: []models.Step{callStep("scanner", "scan", nil)}})

	assert.True(t, errdefs.IsValidation(err))
	assert.True(t, errdefs.IsNotFound(err))
}

func TestOrchestrator_AlignmentGateRejectsBeforeRun(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, workflow.WithAlignmentGate(rejectAll{}))

	require.NoError(t, o.Register(&models.Workflow{Name: "scan", Steps: []models.Step{eventStep("core_ping", nil)}}))

	run, err := o.Trigger(context.Background(), "scan", nil)

	assert.Nil(t, run)
	assert.True(t, errdefs.IsValidation(err))
	assert.Empty(t, o.Runs(0))
}

func TestOrchestrator_ProcessEventsRoutesByPrefix(t *testing.T) {
	t.Parallel()

	o, bus, _ := newTestOrchestrator(t)

	republished := make(chan events.Event, 1)
	completed := make(chan events.Event, 1)

	_, err := bus.Subscribe("core_heartbeat", func(_ context.Context, event events.Event) error {
		republished <- event

		return nil
	})
	require.NoError(t, err)

	_, err = bus.Subscribe(events.WorkflowRunCompletedEvent, func(_ context.Context, event events.Event) error {
		completed <- event

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, o.Register(&models.Workflow{Name: "scan", Steps: []models.Step{eventStep("core_noop", nil)}}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- o.Start(ctx) }()

	heartbeat := events.NewEvent("core_heartbeat", map[string]any{"n": 1})

	require.NoError(t, o.Enqueue(ctx, events.NewEvent("something_else", nil)))
	require.NoError(t, o.Enqueue(ctx, heartbeat))
	require.NoError(t, o.Enqueue(ctx, events.NewEvent(events.WorkflowTrigger("scan"), map[string]any{"source": "queue"})))

	select {
	case event := <-republished:
		assert.Equal(t, heartbeat.ID, event.ID)
		assert.Equal(t, 1, event.Payload["n"])
	case <-time.After(2 * time.Second):
		t.Fatal("core event was not republished")
	}

	select {
	case event := <-completed:
		assert.Equal(t, "scan", event.Payload["workflow"])
	case <-time.After(2 * time.Second):
		t.Fatal("workflow event did not trigger a run")
	}

	runs := o.Runs(0)
	require.Len(t, runs, 1)
	assert.Equal(t, map[string]any{"source": "queue"}, runs[0].TriggerPayload)

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("processing loop did not stop")
	}
}

func TestOrchestrator_EnqueueRejectsEmptyType(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t)

	err := o.Enqueue(context.Background(), events.Event{})
	assert.True(t, errdefs.IsValidation(err))
}

func TestOrchestrator_SnapshotStateRoundTrip(t *testing.T) {
	t.Parallel()

	source, _, _ := newTestOrchestrator(t)
	require.NoError(t, source.Register(&models.Workflow{Name: "scan", Steps: []models.Step{eventStep("core_ping", nil)}}))

	run, err := source.Trigger(context.Background(), "scan", map[string]any{"k": "v"})
	require.NoError(t, err)

	state, err := source.SnapshotState(context.Background())
	require.NoError(t, err)

	target, _, _ := newTestOrchestrator(t, workflow.WithHistorySize(5))
	require.NoError(t, target.RestoreSnapshotState(context.Background(), state))

	runs := target.Runs(0)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, models.RunStateCompleted, runs[0].State)
	assert.Equal(t, "v", runs[0].TriggerPayload["k"])

	require.NoError(t, target.RestoreSnapshotState(context.Background(), map[string]any{}))
	assert.Len(t, target.Runs(0), 1)
}

func TestOrchestrator_TemplatedParams(t *testing.T) {
	t.Parallel()

	o, bus, bindings := newTestOrchestrator(t)

	require.NoError(t, bindings.Bind("scanner", "scan", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"target": args["target"], "open_ports": 3}, nil
	}))

	var received []events.Event

	_, err := bus.Subscribe("core_scan_reported", func(_ context.Context, event events.Event) error {
		received = append(received, event)

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, o.Register(&models.Workflow{
		Name: "scan",
		Steps: []models.Step{
			callStep("scanner", "scan", map[string]any{"target": "{{ .trigger.host }}"}),
			eventStep("core_scan_reported", map[string]any{
				"host":     `{{ (index .outcomes "0").target }}`,
				"ports":    `{{ (index .outcomes "0").open_ports }}`,
				"workflow": "{{ .run.workflow }}",
			}),
		},
	}))

	run, err := o.Trigger(context.Background(), "scan", map[string]any{"host": "10.0.0.7"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, run.State)

	require.Len(t, received, 1)
	assert.Equal(t, map[string]any{"host": "10.0.0.7", "ports": 3.0, "workflow": "scan"}, received[0].Payload)

	_, err = o.Trigger(context.Background(), "scan", map[string]any{})

	var stepErr *workflow.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 0, stepErr.Index)
}
