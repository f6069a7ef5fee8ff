package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/nexus/pkg/errdefs"
	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
	"github.com/dukex/nexus/pkg/models"
)

// ErrUnexpectedExit is the failure cause recorded when a service loop returns
// without an error while it was expected to keep running.
var ErrUnexpectedExit = errors.New("service exited unexpectedly")

var (
	errAlreadyStarted = errors.New("supervisor already started")
	errStopping       = errors.New("supervisor is stopping")
)

const (
	defaultGracePeriod    = 10 * time.Second
	defaultHealthInterval = 5 * time.Second
)

type Option func(*Supervisor)

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(s *Supervisor) {
		s.policy = policy
	}
}

// WithGracePeriod bounds how long StopAll waits for service tasks to drain.
func WithGracePeriod(period time.Duration) Option {
	return func(s *Supervisor) {
		if period > 0 {
			s.gracePeriod = period
		}
	}
}

func WithHealthInterval(interval time.Duration) Option {
	return func(s *Supervisor) {
		if interval > 0 {
			s.healthInterval = interval
		}
	}
}

// task is one launch of a service loop.
type task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
	cause    error
	exitErr  error
}

type entry struct {
	service Service
	record  models.ServiceRecord
	backoff backoff.BackOff
	current *task
}

// Supervisor runs the services of a Registry and keeps their ServiceRecords.
type Supervisor struct {
	registry       *Registry
	bus            *eventbus.Bus
	logger         *slog.Logger
	policy         RetryPolicy
	gracePeriod    time.Duration
	healthInterval time.Duration

	mu       sync.Mutex
	entries  map[string]*entry
	started  bool
	stopping bool
	ctx      context.Context
	cancel   context.CancelFunc
	tasks    sync.WaitGroup
}

func New(registry *Registry, bus *eventbus.Bus, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		registry:       registry,
		bus:            bus,
		logger:         logger.With("module", "supervisor"),
		policy:         DefaultRetryPolicy(),
		gracePeriod:    defaultGracePeriod,
		healthInterval: defaultHealthInterval,
		entries:        make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Records returns a copy of every service record in registration order.
// Services registered but not started yet are reported as Stopped.
func (s *Supervisor) Records() []models.ServiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := s.registry.Names()
	records := make([]models.ServiceRecord, 0, len(names))

	for _, name := range names {
		e, ok := s.entries[name]
		if !ok {
			records = append(records, models.ServiceRecord{Name: name, State: models.ServiceStateStopped})

			continue
		}

		records = append(records, e.record)
	}

	return records
}

// Record returns a copy of the named service record.
func (s *Supervisor) Record(name string) (models.ServiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if ok {
		return e.record, nil
	}

	_, err := s.registry.Lookup(name)
	if err != nil {
		return models.ServiceRecord{}, err
	}

	return models.ServiceRecord{Name: name, State: models.ServiceStateStopped}, nil
}

// StartAll launches every registered service as an independent task. Each
// service goes Stopped -> Starting -> Running; later exits are handled by the
// completion observer attached to the task.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()

		return errAlreadyStarted
	}

	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	services := s.registry.Services()
	for _, service := range services {
		s.entries[service.Name()] = &entry{
			service: service,
			record: models.ServiceRecord{
				Name:      service.Name(),
				State:     models.ServiceStateStopped,
				UpdatedAt: time.Now().UTC(),
			},
			backoff: s.policy.newBackOff(),
		}
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Starting services", "count", len(services))

	var errs []error

	for _, service := range services {
		err := s.launch(ctx, service.Name())
		if err != nil && !errors.Is(err, errStopping) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// launch moves a Stopped or Failed service through Starting to Running and
// spawns its task.
func (s *Supervisor) launch(ctx context.Context, name string) error {
	s.mu.Lock()

	e := s.entries[name]
	if s.stopping {
		s.mu.Unlock()

		return errStopping
	}

	err := e.record.Transition(models.ServiceStateStarting)
	if err != nil {
		s.mu.Unlock()

		return errdefs.NewLifecycleError(name, "start", err)
	}
	s.mu.Unlock()

	s.publish(ctx, events.ServiceStartingEvent, name, models.ServiceStateStarting, nil)

	s.mu.Lock()
	if s.stopping {
		_ = e.record.Transition(models.ServiceStateStopped)
		s.mu.Unlock()

		return errStopping
	}

	taskCtx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	e.current = t

	_ = e.record.Transition(models.ServiceStateRunning)
	s.tasks.Add(1)
	s.mu.Unlock()

	s.publish(ctx, events.ServiceRunningEvent, name, models.ServiceStateRunning, nil)
	s.logger.InfoContext(ctx, "Service running", "service", name)

	go func() {
		defer s.tasks.Done()

		s.onExit(e, t, run(taskCtx, e.service))
	}()

	return nil
}

func run(ctx context.Context, service Service) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return service.Start(ctx)
}

// onExit is the completion observer of a task.
func (s *Supervisor) onExit(e *entry, t *task, exitErr error) {
	name := e.service.Name()

	s.mu.Lock()
	t.exitErr = exitErr
	close(t.done)

	if t.stopping || s.stopping {
		s.mu.Unlock()

		return
	}

	cause := t.cause
	if cause == nil {
		cause = exitErr
	}

	if cause == nil {
		cause = ErrUnexpectedExit
	}

	failure := errdefs.NewLifecycleError(name, "run", cause)

	err := e.record.Transition(models.ServiceStateFailed)
	if err != nil {
		s.mu.Unlock()
		s.logger.ErrorContext(s.ctx, "Cannot mark service failed", "service", name, "error", err)

		return
	}

	e.record.LastError = cause.Error()
	delay := e.backoff.NextBackOff()
	final := delay == backoff.Stop
	s.mu.Unlock()

	t.cancel()

	s.logger.ErrorContext(s.ctx, "Service failed", "service", name, "final", final, "error", failure)
	s.publish(s.ctx, events.ServiceFailedEvent, name, models.ServiceStateFailed, cause, "final", final)

	if final {
		s.logger.ErrorContext(s.ctx, "Service remains failed, recovery attempts exhausted",
			"service", name,
			"max_attempts", s.policy.MaxAttempts,
		)

		return
	}

	s.recoverService(e, delay)
}

// recoverService performs one recovery attempt: stop, then start again. A failing
// stop consumes the attempt and moves on to the next one, if any.
func (s *Supervisor) recoverService(e *entry, delay time.Duration) {
	name := e.service.Name()

	for {
		if delay > 0 {
			s.logger.InfoContext(s.ctx, "Waiting before recovery attempt", "service", name, "backoff", delay)

			timer := time.NewTimer(delay)
			select {
			case <-s.ctx.Done():
				timer.Stop()

				return
			case <-timer.C:
			}
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()

			return
		}

		e.record.RecoveryAttempts++
		attempt := e.record.RecoveryAttempts
		s.mu.Unlock()

		s.logger.InfoContext(s.ctx, "Recovering service", "service", name, "attempt", attempt)

		err := e.service.Stop(s.ctx)
		if err == nil {
			err = s.launch(s.ctx, name)
			if errors.Is(err, errStopping) {
				return
			}

			if err == nil {
				s.publish(s.ctx, events.ServiceRecoveredEvent, name, models.ServiceStateRunning, nil, "attempt", attempt)

				return
			}
		}

		failure := errdefs.NewLifecycleError(name, "recover", err)

		s.mu.Lock()
		e.record.LastError = failure.Error()
		delay = e.backoff.NextBackOff()
		s.mu.Unlock()

		s.logger.ErrorContext(s.ctx, "Recovery attempt failed", "service", name, "attempt", attempt, "error", failure)

		if delay == backoff.Stop {
			s.publish(s.ctx, events.ServiceFailedEvent, name, models.ServiceStateFailed, failure, "final", true)

			return
		}
	}
}

// fail routes a failure detected outside the service loop, such as a failed
// health check, through the same path as an unexpected task exit.
func (s *Supervisor) fail(name string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok || e.current == nil || e.record.State != models.ServiceStateRunning {
		return
	}

	if e.current.cause == nil {
		e.current.cause = cause
	}

	e.current.cancel()
}

// StopReport summarises a StopAll call.
type StopReport struct {
	Stopped  []string
	TimedOut []string
	// Failed lists services that were already Failed when StopAll began.
	// They keep their Failed record and their last run error is not
	// reported again as a stop error.
	Failed []string
	Errors map[string]error
}

// Err joins every per-service error of the report, or returns nil.
func (r *StopReport) Err() error {
	names := make([]string, 0, len(r.Errors))
	for name := range r.Errors {
		names = append(names, name)
	}

	slices.Sort(names)

	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, r.Errors[name])
	}

	return errors.Join(errs...)
}

// StopAll cancels every task, calls Stop on every service and waits up to the
// grace period for the tasks to drain. Failures are collected into the report
// rather than aborting the shutdown.
func (s *Supervisor) StopAll(ctx context.Context) *StopReport {
	report := &StopReport{Errors: make(map[string]error)}

	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()

		return report
	}

	s.stopping = true

	// Services registered after StartAll have no entry and were never started.
	names := make([]string, 0, len(s.entries))
	failed := make(map[string]bool)

	for _, name := range s.registry.Names() {
		e, ok := s.entries[name]
		if !ok {
			continue
		}

		names = append(names, name)

		if e.record.State == models.ServiceStateFailed {
			failed[name] = true
		}

		if e.current != nil {
			e.current.stopping = true
			e.current.cancel()
		}
	}

	s.cancel()
	s.mu.Unlock()

	for _, name := range names {
		e := s.entries[name]

		err := e.service.Stop(ctx)
		if err != nil {
			report.Errors[name] = errdefs.NewLifecycleError(name, "stop", err)
		}
	}

	drained := make(chan struct{})

	go func() {
		s.tasks.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.gracePeriod)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, name := range names {
		e := s.entries[name]

		if e.current != nil {
			select {
			case <-e.current.done:
				if failed[name] {
					report.Failed = append(report.Failed, name)

					continue
				}

				exitErr := e.current.exitErr
				if exitErr != nil && !errors.Is(exitErr, context.Canceled) && report.Errors[name] == nil {
					report.Errors[name] = errdefs.NewLifecycleError(name, "stop", exitErr)
				}
			default:
				report.TimedOut = append(report.TimedOut, name)
				if report.Errors[name] == nil {
					report.Errors[name] = errdefs.NewLifecycleError(name, "stop", context.DeadlineExceeded)
				}

				continue
			}
		}

		if e.record.State != models.ServiceStateStopped {
			_ = e.record.Transition(models.ServiceStateStopped)
		}

		report.Stopped = append(report.Stopped, name)
	}
	s.mu.Unlock()

	for _, name := range report.Stopped {
		s.publish(ctx, events.ServiceStoppedEvent, name, models.ServiceStateStopped, nil)
	}

	for name, err := range report.Errors {
		s.logger.WarnContext(ctx, "Service did not stop cleanly", "service", name, "error", err)
	}

	s.logger.InfoContext(ctx, "Services stopped",
		"stopped", len(report.Stopped),
		"timed_out", len(report.TimedOut),
		"failed", len(report.Failed),
		"errors", len(report.Errors),
	)

	return report
}

func (s *Supervisor) publish(
	ctx context.Context,
	eventType events.EventType,
	name string,
	state models.ServiceState,
	cause error,
	extra ...any,
) {
	payload := map[string]any{
		"service": name,
		"state":   string(state),
	}

	if cause != nil {
		payload["error"] = cause.Error()
	}

	for i := 0; i+1 < len(extra); i += 2 {
		if key, ok := extra[i].(string); ok {
			payload[key] = extra[i+1]
		}
	}

	err := s.bus.Publish(ctx, eventType, payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish lifecycle event", "event_type", eventType, "error", err)
	}
}
