package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukex/nexus/pkg/errdefs"
	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/otelhelper"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the name the orchestrator registers under with the supervisor.
const ServiceName = "workflow_orchestrator"

const (
	defaultQueueSize   = 256
	defaultHistorySize = 100
)

// AlignmentGate decides whether a workflow may run. A returned error rejects
// the trigger before any run is created.
type AlignmentGate interface {
	Check(ctx context.Context, wf *models.Workflow) error
}

// StepError reports the step that aborted a run.
type StepError struct {
	Workflow string
	Index    int
	Kind     models.StepKind
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow %q step %d (%s) failed: %v", e.Workflow, e.Index, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type Option func(*Orchestrator)

// WithAlignmentGate installs a pre-execution gate. Without one every loaded
// workflow may run.
func WithAlignmentGate(gate AlignmentGate) Option {
	return func(o *Orchestrator) {
		o.gate = gate
	}
}

func WithQueueSize(size int) Option {
	return func(o *Orchestrator) {
		if size > 0 {
			o.queue = make(chan events.Event, size)
		}
	}
}

// WithHistorySize bounds the number of finished runs kept in memory.
func WithHistorySize(size int) Option {
	return func(o *Orchestrator) {
		if size > 0 {
			o.historySize = size
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// Orchestrator holds the loaded workflows, runs them on demand and drains the
// event queue.
type Orchestrator struct {
	bus         *eventbus.Bus
	bindings    *Bindings
	evaluator   *Evaluator
	loader      *Loader
	gate        AlignmentGate
	tracer      trace.Tracer
	logger      *slog.Logger
	queue       chan events.Event
	historySize int

	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	runs      []models.WorkflowRun
}

func New(bus *eventbus.Bus, bindings *Bindings, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	evaluator, err := NewEvaluator()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		bus:         bus,
		bindings:    bindings,
		evaluator:   evaluator,
		loader:      NewLoader(bindings, evaluator, logger),
		tracer:      otelhelper.Tracer("nexus/workflow"),
		logger:      logger.With("module", "workflow_orchestrator"),
		queue:       make(chan events.Event, defaultQueueSize),
		historySize: defaultHistorySize,
		workflows:   make(map[string]*models.Workflow),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// Load parses the documents in dir and makes the valid ones available for
// triggering, replacing previously loaded workflows. The returned error joins
// one ValidationError per rejected document.
func (o *Orchestrator) Load(dir string) (map[string]*models.Workflow, error) {
	workflows, err := o.loader.LoadDir(dir)
	if workflows == nil {
		return nil, err
	}

	o.mu.Lock()
	o.workflows = workflows
	o.mu.Unlock()

	return workflows, err
}

// Register adds or replaces a single workflow after checking it.
func (o *Orchestrator) Register(wf *models.Workflow) error {
	err := o.loader.Check(wf)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.workflows[wf.Name] = wf
	o.mu.Unlock()

	return nil
}

// Loader returns the loader used for workflow documents.
func (o *Orchestrator) Loader() *Loader {
	return o.loader
}

func (o *Orchestrator) Workflow(name string) (*models.Workflow, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	wf, ok := o.workflows[name]
	if !ok {
		return nil, errdefs.NewNotFoundError("workflow", name)
	}

	return wf, nil
}

// Workflows returns the loaded workflows sorted by name.
func (o *Orchestrator) Workflows() []*models.Workflow {
	o.mu.RLock()
	defer o.mu.RUnlock()

	workflows := make([]*models.Workflow, 0, len(o.workflows))
	for _, wf := range o.workflows {
		workflows = append(workflows, wf)
	}

	slices.SortFunc(workflows, func(a, b *models.Workflow) int {
		return strings.Compare(a.Name, b.Name)
	})

	return workflows
}

// Trigger runs the named workflow to completion. An unknown workflow fails
// with a NotFoundError and creates no run. A failing step aborts the
// remaining steps; the returned run is Failed and the error is a *StepError.
// Completed steps are not rolled back.
func (o *Orchestrator) Trigger(ctx context.Context, name string, payload map[string]any) (*models.WorkflowRun, error) {
	wf, err := o.Workflow(name)
	if err != nil {
		return nil, err
	}

	if !Validate(wf) {
		return nil, errdefs.NewValidationError(name, `"steps" must be a non-empty list`, nil)
	}

	if o.gate != nil {
		err := o.gate.Check(ctx, wf)
		if err != nil {
			return nil, errdefs.NewValidationError(name, "rejected by alignment gate", err)
		}
	}

	if payload == nil {
		payload = map[string]any{}
	}

	run := &models.WorkflowRun{
		ID:             uuid.NewString(),
		WorkflowName:   wf.Name,
		State:          models.RunStateRunning,
		TriggerPayload: payload,
		ExecutedSteps:  make([]models.ExecutedStep, 0, len(wf.Steps)),
		StartedAt:      time.Now().UTC(),
	}

	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "workflow.run",
		attribute.String(otelhelper.WorkflowNameKey, wf.Name),
		attribute.String(otelhelper.RunIDKey, run.ID),
	)
	defer span.End()

	logger := o.logger.With("workflow", wf.Name, "run_id", run.ID)
	logger.InfoContext(ctx, "Starting workflow run", "steps", len(wf.Steps))

	outcomes := make(map[string]any, len(wf.Steps))
	scope := map[string]any{
		TriggerVariable:  payload,
		OutcomesVariable: outcomes,
		RunVariable:      map[string]any{"id": run.ID, "workflow": wf.Name},
	}

	for i, step := range wf.Steps {
		executed := models.ExecutedStep{Index: i, Kind: step.Kind, StartedAt: time.Now().UTC()}

		outcome, err := o.executeStep(ctx, i, step, scope)
		executed.CompletedAt = time.Now().UTC()

		if err != nil {
			executed.Error = err.Error()
			run.ExecutedSteps = append(run.ExecutedSteps, executed)

			stepErr := &StepError{Workflow: wf.Name, Index: i, Kind: step.Kind, Err: err}

			logger.ErrorContext(ctx, "Workflow step failed", "step", i, "kind", step.Kind, "error", err)
			otelhelper.SetError(span, stepErr)
			o.finish(ctx, run, stepErr)

			return run, stepErr
		}

		executed.Outcome = outcome
		outcomes[strconv.Itoa(i)] = outcome
		run.ExecutedSteps = append(run.ExecutedSteps, executed)

		logger.DebugContext(ctx, "Workflow step completed", "step", i, "kind", step.Kind)
	}

	otelhelper.SetOK(span)
	o.finish(ctx, run, nil)

	logger.InfoContext(ctx, "Workflow run completed")

	return run, nil
}

func (o *Orchestrator) executeStep(
	ctx context.Context,
	index int,
	step models.Step,
	scope map[string]any,
) (any, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "workflow.step",
		attribute.Int(otelhelper.StepIndexKey, index),
		attribute.String(otelhelper.StepKindKey, string(step.Kind)),
	)
	defer span.End()

	var (
		outcome any
		err     error
	)

	switch step.Kind {
	case models.StepKindEvent:
		outcome, err = o.publishStep(ctx, step.Params, scope)
	case models.StepKindServiceCall:
		outcome, err = o.callStep(ctx, step.Params, scope)
	case models.StepKindDecision:
		outcome, err = o.decisionStep(step.Params, scope)
	default:
		err = fmt.Errorf("%w: unknown step kind %q", errdefs.ErrValidation, step.Kind)
	}

	if err != nil {
		otelhelper.SetError(span, err)
	}

	return outcome, err
}

// publishStep completes once Publish has returned, i.e. once every direct
// subscriber has run.
func (o *Orchestrator) publishStep(ctx context.Context, params, scope map[string]any) (any, error) {
	eventType, err := stringParam(params, "event_type")
	if err != nil {
		return nil, err
	}

	data, err := renderedMapParam(params, "data", scope)
	if err != nil {
		return nil, err
	}

	err = o.bus.Publish(ctx, events.EventType(eventType), data)
	if err != nil {
		return nil, err
	}

	return eventType, nil
}

func (o *Orchestrator) callStep(ctx context.Context, params, scope map[string]any) (any, error) {
	service, err := stringParam(params, "service")
	if err != nil {
		return nil, err
	}

	method, err := stringParam(params, "method")
	if err != nil {
		return nil, err
	}

	args, err := renderedMapParam(params, "args", scope)
	if err != nil {
		return nil, err
	}

	fn, err := o.bindings.Resolve(service, method)
	if err != nil {
		return nil, err
	}

	return fn(ctx, args)
}

func (o *Orchestrator) decisionStep(params, scope map[string]any) (any, error) {
	rules, err := decodeRules(params)
	if err != nil {
		return nil, err
	}

	return o.evaluator.Decide(rules, map[string]any{
		TriggerVariable:  scope[TriggerVariable],
		OutcomesVariable: scope[OutcomesVariable],
	})
}

func (o *Orchestrator) finish(ctx context.Context, run *models.WorkflowRun, stepErr *StepError) {
	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt

	eventType := events.WorkflowRunCompletedEvent
	payload := map[string]any{
		"workflow": run.WorkflowName,
		"run_id":   run.ID,
		"steps":    len(run.ExecutedSteps),
	}

	if stepErr != nil {
		run.State = models.RunStateFailed
		run.FailedStep = &stepErr.Index
		run.Error = stepErr.Err.Error()

		eventType = events.WorkflowRunFailedEvent
		payload["failed_step"] = stepErr.Index
		payload["error"] = run.Error
	} else {
		run.State = models.RunStateCompleted
	}

	o.archive(*run)

	err := o.bus.Publish(ctx, eventType, payload)
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to publish run event", "run_id", run.ID, "error", err)
	}
}

func (o *Orchestrator) archive(run models.WorkflowRun) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.runs = append([]models.WorkflowRun{run}, o.runs...)
	if len(o.runs) > o.historySize {
		o.runs = o.runs[:o.historySize]
	}
}

// Runs returns up to limit finished runs, most recent first. A limit of zero
// or less returns every archived run.
func (o *Orchestrator) Runs(limit int) []models.WorkflowRun {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if limit <= 0 || limit > len(o.runs) {
		limit = len(o.runs)
	}

	runs := make([]models.WorkflowRun, limit)
	copy(runs, o.runs[:limit])

	return runs
}

// Enqueue hands an event to the processing loop, blocking while the queue is full.
func (o *Orchestrator) Enqueue(ctx context.Context, event events.Event) error {
	if event.Type == "" {
		return fmt.Errorf("%w: event type must not be empty", errdefs.ErrValidation)
	}

	if event.Payload == nil {
		event.Payload = map[string]any{}
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case o.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessEvents drains the queue until ctx is done. Core events are
// republished verbatim on the bus, workflow events trigger the workflow named
// by the rest of their type, anything else is logged and dropped.
func (o *Orchestrator) ProcessEvents(ctx context.Context) error {
	o.logger.InfoContext(ctx, "Processing queued events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-o.queue:
			o.route(ctx, event)
		}
	}
}

func (o *Orchestrator) route(ctx context.Context, event events.Event) {
	if event.Type.IsCore() {
		o.bus.PublishEvent(ctx, event)

		return
	}

	if name, ok := event.Type.WorkflowName(); ok {
		_, err := o.Trigger(ctx, name, event.Payload)
		if err != nil {
			o.logger.ErrorContext(ctx, "Queued workflow trigger failed", "workflow", name, "event_id", event.ID, "error", err)
		}

		return
	}

	o.logger.WarnContext(ctx, "Unhandled event dropped", "event_type", event.Type, "event_id", event.ID)
}

// Name, Start and Stop let the supervisor run the processing loop as a service.
func (o *Orchestrator) Name() string {
	return ServiceName
}

func (o *Orchestrator) Start(ctx context.Context) error {
	return o.ProcessEvents(ctx)
}

func (o *Orchestrator) Stop(_ context.Context) error {
	return nil
}

// SnapshotState captures the archived runs.
func (o *Orchestrator) SnapshotState(_ context.Context) (map[string]any, error) {
	data, err := json.Marshal(o.Runs(0))
	if err != nil {
		return nil, fmt.Errorf("failed to encode runs: %w", err)
	}

	var runs []any

	err = json.Unmarshal(data, &runs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode runs: %w", err)
	}

	return map[string]any{"runs": runs}, nil
}

// RestoreSnapshotState replaces the run archive with the captured runs.
func (o *Orchestrator) RestoreSnapshotState(_ context.Context, state map[string]any) error {
	raw, ok := state["runs"]
	if !ok {
		return nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to decode runs: %w", err)
	}

	var runs []models.WorkflowRun

	err = json.Unmarshal(data, &runs)
	if err != nil {
		return fmt.Errorf("failed to decode runs: %w", err)
	}

	if len(runs) > o.historySize {
		runs = runs[:o.historySize]
	}

	o.mu.Lock()
	o.runs = runs
	o.mu.Unlock()

	return nil
}
