// Package snapshot coordinates system-wide checkpoints: it asks services for
// their state over the bus, persists the aggregate and restores it on boot.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dukex/nexus/pkg/errdefs"
	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/otelhelper"
	"github.com/dukex/nexus/pkg/persistence"
	"github.com/dukex/nexus/pkg/supervisor"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// DefaultCollectionWindow is how long a snapshot waits for state reports.
const DefaultCollectionWindow = 2 * time.Second

type Option func(*Manager)

func WithCollectionWindow(window time.Duration) Option {
	return func(m *Manager) {
		if window > 0 {
			m.window = window
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// Manager assembles and restores snapshots. At most one snapshot or restore
// is in progress at a time.
type Manager struct {
	bus      *eventbus.Bus
	store    persistence.Persistence
	registry *supervisor.Registry
	window   time.Duration
	lock     *semaphore.Weighted
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewManager(
	bus *eventbus.Bus,
	store persistence.Persistence,
	registry *supervisor.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		bus:      bus,
		store:    store,
		registry: registry,
		window:   DefaultCollectionWindow,
		lock:     semaphore.NewWeighted(1),
		tracer:   otelhelper.Tracer("nexus/snapshot"),
		logger:   logger.With("module", "snapshot_manager"),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// collection gathers the state reports for one snapshot.
type collection struct {
	mu       sync.Mutex
	id       string
	expected map[string]struct{}
	states   map[string]map[string]any
	complete chan struct{}
	closed   bool
}

func (c *collection) add(service string, state map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.states[service] = state

	if len(c.expected) == 0 {
		return
	}

	for name := range c.expected {
		if _, ok := c.states[name]; !ok {
			return
		}
	}

	c.closed = true
	close(c.complete)
}

func (c *collection) seal() map[string]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.complete)
	}

	return maps.Clone(c.states)
}

// RequestSnapshot takes one snapshot. It publishes a snapshot request, waits
// up to the collection window for state reports (services that do not answer
// in time are left out), then persists the aggregate. A persistence failure
// returns a PersistenceError and leaves the last committed snapshot in place.
// Concurrent callers wait for the lock and take their own snapshot in turn.
func (m *Manager) RequestSnapshot(ctx context.Context) (*models.Snapshot, error) {
	err := m.lock.Acquire(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("waiting for snapshot lock: %w", err)
	}
	defer m.lock.Release(1)

	c := &collection{
		id:       uuid.NewString(),
		expected: make(map[string]struct{}),
		states:   make(map[string]map[string]any),
		complete: make(chan struct{}),
	}

	for name := range m.registry.Snapshotters() {
		c.expected[name] = struct{}{}
	}

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "snapshot.request",
		attribute.String(otelhelper.SnapshotIDKey, c.id),
	)
	defer span.End()

	logger := m.logger.With("snapshot_id", c.id)

	sub, err := m.bus.Subscribe(events.SnapshotStateReportedEvent, func(_ context.Context, event events.Event) error {
		return m.collect(c, event)
	})
	if err != nil {
		return nil, err
	}
	defer m.bus.Unsubscribe(sub)

	logger.InfoContext(ctx, "Requesting snapshot", "expected", len(c.expected), "window", m.window)

	err = m.bus.Publish(ctx, events.SnapshotRequestedEvent, map[string]any{"snapshot_id": c.id})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.window)
	defer timer.Stop()

	select {
	case <-c.complete:
	case <-timer.C:
	case <-ctx.Done():
		c.seal()
		otelhelper.SetError(span, ctx.Err())

		return nil, ctx.Err()
	}

	snapshot := &models.Snapshot{
		ID:        c.id,
		Timestamp: time.Now().UTC(),
		Services:  c.seal(),
	}

	missing := make([]string, 0)

	for name := range c.expected {
		if _, ok := snapshot.Services[name]; !ok {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		slices.Sort(missing)
		logger.WarnContext(ctx, "Services did not report within the window", "services", missing)
	}

	err = m.store.SaveGlobalSnapshot(ctx, snapshot)
	if err != nil {
		failure := errdefs.NewPersistenceError("SaveGlobalSnapshot", err)

		logger.ErrorContext(ctx, "Snapshot aborted", "error", failure)
		otelhelper.SetError(span, failure)
		m.publish(ctx, events.SnapshotFailedEvent, map[string]any{"snapshot_id": c.id, "error": err.Error()})

		return nil, failure
	}

	logger.InfoContext(ctx, "Snapshot committed", "services", len(snapshot.Services))
	otelhelper.SetOK(span)
	m.publish(ctx, events.SnapshotCommittedEvent, map[string]any{
		"snapshot_id": c.id,
		"services":    slices.Sorted(maps.Keys(snapshot.Services)),
		"missing":     missing,
	})

	return snapshot, nil
}

func (m *Manager) collect(c *collection, event events.Event) error {
	id, _ := event.Payload["snapshot_id"].(string)
	if id != c.id {
		return nil
	}

	service, _ := event.Payload["service"].(string)
	if service == "" {
		return fmt.Errorf("%w: state report without service name", errdefs.ErrValidation)
	}

	state, ok := event.Payload["state"].(map[string]any)
	if !ok {
		state = map[string]any{}
	}

	c.add(service, state)

	return nil
}

// RestoreLatest loads the most recent committed snapshot and hands each
// registered Restorer the state captured under its name. Services absent from
// the snapshot keep their initial state. Without any committed snapshot it
// does nothing and returns nil, nil.
func (m *Manager) RestoreLatest(ctx context.Context) (*models.Snapshot, error) {
	err := m.lock.Acquire(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("waiting for snapshot lock: %w", err)
	}
	defer m.lock.Release(1)

	snapshot, err := m.store.LoadGlobalSnapshot(ctx)
	if persistence.IsSnapshotNotFound(err) {
		m.logger.InfoContext(ctx, "No committed snapshot, starting from initial state")

		return nil, nil
	}

	if err != nil {
		return nil, errdefs.NewPersistenceError("LoadGlobalSnapshot", err)
	}

	restorers := m.registry.Restorers()

	var errs []error

	for _, name := range slices.Sorted(maps.Keys(snapshot.Services)) {
		restorer, ok := restorers[name]
		if !ok {
			continue
		}

		err := restorer.RestoreSnapshotState(ctx, snapshot.Services[name])
		if err != nil {
			errs = append(errs, errdefs.NewLifecycleError(name, "restore", err))

			continue
		}

		m.logger.InfoContext(ctx, "Restored service state", "service", name, "snapshot_id", snapshot.ID)
	}

	return snapshot, errors.Join(errs...)
}

// Snapshots lists committed snapshots, newest first.
func (m *Manager) Snapshots(ctx context.Context, limit int) ([]*models.Snapshot, error) {
	snapshots, err := m.store.Snapshots(ctx, limit)
	if err != nil {
		return nil, errdefs.NewPersistenceError("Snapshots", err)
	}

	return snapshots, nil
}

func (m *Manager) publish(ctx context.Context, eventType events.EventType, payload map[string]any) {
	err := m.bus.Publish(ctx, eventType, payload)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish snapshot event", "event_type", eventType, "error", err)
	}
}
