package supervisor_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/nexus/pkg/errdefs"
	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name   string
	starts atomic.Int32
	stops  atomic.Int32
	start  func(ctx context.Context, attempt int32) error
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(ctx context.Context) error {
	return f.start(ctx, f.starts.Add(1))
}

func (f *fakeService) Stop(_ context.Context) error {
	f.stops.Add(1)

	return nil
}

func blockUntilCancelled(ctx context.Context, _ int32) error {
	<-ctx.Done()

	return ctx.Err()
}

type checkedService struct {
	fakeService
	checks atomic.Int32
}

func (p *checkedService) SnapshotState(_ context.Context) (map[string]any, error) {
	if p.checks.Add(1) == 1 {
		return nil, errors.New("check failed")
	}

	return map[string]any{}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *recorder) ofType(eventType events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found []events.Event

	for _, e := range r.events {
		if e.Type == eventType {
			found = append(found, e)
		}
	}

	return found
}

func newTestSupervisor(t *testing.T, services []supervisor.Service, opts ...supervisor.Option) (*supervisor.Supervisor, *recorder) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	bus := eventbus.New(logger)
	rec := &recorder{}

	for _, eventType := range []events.EventType{
		events.ServiceStartingEvent,
		events.ServiceRunningEvent,
		events.ServiceFailedEvent,
		events.ServiceRecoveredEvent,
		events.ServiceStoppedEvent,
	} {
		_, err := bus.Subscribe(eventType, rec.handle)
		require.NoError(t, err)
	}

	registry := supervisor.NewRegistry()
	for _, service := range services {
		require.NoError(t, registry.Register(service))
	}

	return supervisor.New(registry, bus, logger, opts...), rec
}

func stateOf(t *testing.T, s *supervisor.Supervisor, name string) models.ServiceState {
	t.Helper()

	record, err := s.Record(name)
	require.NoError(t, err)

	return record.State
}

func TestRegistry_RejectsDuplicatesAndReportsMissing(t *testing.T) {
	t.Parallel()

	registry := supervisor.NewRegistry()
	svc := &fakeService{name: "svc1", start: blockUntilCancelled}

	require.NoError(t, registry.Register(svc))
	assert.True(t, errdefs.IsValidation(registry.Register(svc)))
	assert.True(t, errdefs.IsValidation(registry.Register(&fakeService{})))

	_, err := registry.Lookup("svc2")
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, []string{"svc1"}, registry.Names())
}

func TestSupervisor_StartAllAndStopAll(t *testing.T) {
	t.Parallel()

	first := &fakeService{name: "first", start: blockUntilCancelled}
	second := &fakeService{name: "second", start: blockUntilCancelled}
	s, rec := newTestSupervisor(t, []supervisor.Service{first, second})

	require.NoError(t, s.StartAll(context.Background()))

	assert.Equal(t, models.ServiceStateRunning, stateOf(t, s, "first"))
	assert.Equal(t, models.ServiceStateRunning, stateOf(t, s, "second"))
	assert.Len(t, rec.ofType(events.ServiceRunningEvent), 2)

	report := s.StopAll(context.Background())

	require.NoError(t, report.Err())
	assert.ElementsMatch(t, []string{"first", "second"}, report.Stopped)
	assert.Equal(t, models.ServiceStateStopped, stateOf(t, s, "first"))
	assert.Equal(t, int32(1), first.stops.Load())
	assert.Len(t, rec.ofType(events.ServiceStoppedEvent), 2)
	assert.Empty(t, rec.ofType(events.ServiceFailedEvent))
}

func TestSupervisor_StartAllTwice(t *testing.T) {
	t.Parallel()

	s, _ := newTestSupervisor(t, []supervisor.Service{&fakeService{name: "svc", start: blockUntilCancelled}})

	require.NoError(t, s.StartAll(context.Background()))
	require.Error(t, s.StartAll(context.Background()))

	s.StopAll(context.Background())
}

func TestSupervisor_FailingServiceGetsExactlyOneRecoveryAttempt(t *testing.T) {
	t.Parallel()

	svc := &fakeService{name: "broken", start: func(context.Context, int32) error {
		return errors.New("boom")
	}}
	s, rec := newTestSupervisor(t, []supervisor.Service{svc})

	require.NoError(t, s.StartAll(context.Background()))

	assert.Eventually(t, func() bool {
		failed := rec.ofType(events.ServiceFailedEvent)

		return len(failed) == 2 && failed[1].Payload["final"] == true
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	record, err := s.Record("broken")
	require.NoError(t, err)
	assert.Equal(t, models.ServiceStateFailed, record.State)
	assert.Equal(t, 1, record.RecoveryAttempts)
	assert.Equal(t, "boom", record.LastError)
	assert.Equal(t, int32(2), svc.starts.Load())
	assert.Equal(t, int32(1), svc.stops.Load())
	assert.Len(t, rec.ofType(events.ServiceRecoveredEvent), 1)

	s.StopAll(context.Background())
}

func TestSupervisor_RecoveryRestartsService(t *testing.T) {
	t.Parallel()

	svc := &fakeService{name: "flaky", start: func(ctx context.Context, attempt int32) error {
		if attempt == 1 {
			return nil
		}

		return blockUntilCancelled(ctx, attempt)
	}}
	s, rec := newTestSupervisor(t, []supervisor.Service{svc})

	require.NoError(t, s.StartAll(context.Background()))

	assert.Eventually(t, func() bool {
		return len(rec.ofType(events.ServiceRecoveredEvent)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	record, err := s.Record("flaky")
	require.NoError(t, err)
	assert.Equal(t, models.ServiceStateRunning, record.State)
	assert.Equal(t, 1, record.RecoveryAttempts)
	assert.Equal(t, supervisor.ErrUnexpectedExit.Error(), record.LastError)

	require.NoError(t, s.StopAll(context.Background()).Err())
}

func TestSupervisor_PanicIsAFailure(t *testing.T) {
	t.Parallel()

	svc := &fakeService{name: "panics", start: func(context.Context, int32) error {
		panic("unexpected")
	}}
	s, rec := newTestSupervisor(t, []supervisor.Service{svc}, supervisor.WithRetryPolicy(supervisor.RetryPolicy{}))

	require.NoError(t, s.StartAll(context.Background()))

	assert.Eventually(t, func() bool {
		return len(rec.ofType(events.ServiceFailedEvent)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	failed := rec.ofType(events.ServiceFailedEvent)[0]
	assert.Equal(t, "panics", failed.Payload["service"])
	assert.Equal(t, true, failed.Payload["final"])
	assert.Contains(t, failed.Payload["error"], "panic: unexpected")
	assert.Equal(t, int32(1), svc.starts.Load())

	s.StopAll(context.Background())
}

func TestSupervisor_BackoffBetweenAttempts(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		times []time.Time
	)

	svc := &fakeService{name: "slow", start: func(context.Context, int32) error {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()

		return errors.New("down")
	}}
	s, rec := newTestSupervisor(t, []supervisor.Service{svc},
		supervisor.WithRetryPolicy(supervisor.RetryPolicy{MaxAttempts: 2, Backoff: 40 * time.Millisecond}))

	require.NoError(t, s.StartAll(context.Background()))

	assert.Eventually(t, func() bool {
		failed := rec.ofType(events.ServiceFailedEvent)

		return len(failed) == 3 && failed[2].Payload["final"] == true
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, times, 3)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 20*time.Millisecond)

	record, err := s.Record("slow")
	require.NoError(t, err)
	assert.Equal(t, 2, record.RecoveryAttempts)

	s.StopAll(context.Background())
}

func TestSupervisor_StopAllReportsTasksThatDoNotDrain(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stubborn := &fakeService{name: "stubborn", start: func(context.Context, int32) error {
		<-release

		return nil
	}}
	polite := &fakeService{name: "polite", start: blockUntilCancelled}
	s, _ := newTestSupervisor(t, []supervisor.Service{stubborn, polite}, supervisor.WithGracePeriod(50*time.Millisecond))

	require.NoError(t, s.StartAll(context.Background()))

	report := s.StopAll(context.Background())

	assert.Equal(t, []string{"stubborn"}, report.TimedOut)
	assert.Equal(t, []string{"polite"}, report.Stopped)
	assert.True(t, errdefs.IsLifecycle(report.Err()))
}

func TestSupervisor_FailedHealthCheckTriggersRecovery(t *testing.T) {
	t.Parallel()

	svc := &checkedService{fakeService: fakeService{name: "checked", start: blockUntilCancelled}}
	s, rec := newTestSupervisor(t, []supervisor.Service{svc}, supervisor.WithHealthInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.StartAll(ctx))

	go s.Watch(ctx)

	assert.Eventually(t, func() bool {
		return len(rec.ofType(events.ServiceRecoveredEvent)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	failed := rec.ofType(events.ServiceFailedEvent)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Payload["error"], "check failed")
	assert.Equal(t, int32(2), svc.starts.Load())

	cancel()
	require.NoError(t, s.StopAll(context.Background()).Err())
}

func TestSupervisor_StopAllReportsPermanentlyFailedServices(t *testing.T) {
	t.Parallel()

	broken := &fakeService{name: "broken", start: func(context.Context, int32) error {
		return errors.New("boom")
	}}
	healthy := &fakeService{name: "healthy", start: blockUntilCancelled}
	s, rec := newTestSupervisor(t, []supervisor.Service{broken, healthy})

	require.NoError(t, s.StartAll(context.Background()))

	require.Eventually(t, func() bool {
		failed := rec.ofType(events.ServiceFailedEvent)

		return len(failed) == 2 && failed[1].Payload["final"] == true
	}, 2*time.Second, 10*time.Millisecond)

	report := s.StopAll(context.Background())

	require.NoError(t, report.Err())
	assert.Equal(t, []string{"broken"}, report.Failed)
	assert.Equal(t, []string{"healthy"}, report.Stopped)
	assert.Equal(t, models.ServiceStateFailed, stateOf(t, s, "broken"))
	assert.Equal(t, models.ServiceStateStopped, stateOf(t, s, "healthy"))
	assert.Len(t, rec.ofType(events.ServiceStoppedEvent), 1)
}

func TestSupervisor_StopAllIgnoresServicesRegisteredAfterStart(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	registry := supervisor.NewRegistry()
	early := &fakeService{name: "early", start: blockUntilCancelled}
	late := &fakeService{name: "late", start: blockUntilCancelled}

	require.NoError(t, registry.Register(early))

	s := supervisor.New(registry, eventbus.New(logger), logger)
	require.NoError(t, s.StartAll(context.Background()))

	require.NoError(t, registry.Register(late))

	var report *supervisor.StopReport

	require.NotPanics(t, func() {
		report = s.StopAll(context.Background())
	})

	require.NoError(t, report.Err())
	assert.Equal(t, []string{"early"}, report.Stopped)
	assert.Equal(t, int32(0), late.starts.Load())
	assert.Equal(t, int32(0), late.stops.Load())
	assert.Equal(t, models.ServiceStateStopped, stateOf(t, s, "late"))
}
