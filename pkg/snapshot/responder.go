package snapshot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
	"github.com/dukex/nexus/pkg/supervisor"
)

// Responder answers snapshot requests on behalf of the registered services
// that implement supervisor.Snapshotter, publishing one state report per
// service. Each service is queried in its own goroutine so a slow service
// never delays the others or the requester.
type Responder struct {
	bus      *eventbus.Bus
	registry *supervisor.Registry
	logger   *slog.Logger

	mu  sync.Mutex
	sub *eventbus.Subscription
	wg  sync.WaitGroup
}

func NewResponder(bus *eventbus.Bus, registry *supervisor.Registry, logger *slog.Logger) *Responder {
	return &Responder{
		bus:      bus,
		registry: registry,
		logger:   logger.With("module", "snapshot_responder"),
	}
}

// Attach subscribes the responder to snapshot requests.
func (r *Responder) Attach() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		return nil
	}

	sub, err := r.bus.Subscribe(events.SnapshotRequestedEvent, r.handleRequest)
	if err != nil {
		return err
	}

	r.sub = &sub

	return nil
}

// Detach unsubscribes and waits for in-flight reports.
func (r *Responder) Detach() {
	r.mu.Lock()
	if r.sub != nil {
		r.bus.Unsubscribe(*r.sub)
		r.sub = nil
	}
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Responder) handleRequest(ctx context.Context, event events.Event) error {
	snapshotID, _ := event.Payload["snapshot_id"].(string)
	if snapshotID == "" {
		return nil
	}

	for name, snapshotter := range r.registry.Snapshotters() {
		r.wg.Add(1)

		go func() {
			defer r.wg.Done()

			r.report(ctx, snapshotID, name, snapshotter)
		}()
	}

	return nil
}

func (r *Responder) report(ctx context.Context, snapshotID, name string, snapshotter supervisor.Snapshotter) {
	state, err := snapshotter.SnapshotState(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "Service could not report snapshot state",
			"service", name,
			"snapshot_id", snapshotID,
			"error", err,
		)

		return
	}

	if state == nil {
		state = map[string]any{}
	}

	err = r.bus.Publish(ctx, events.SnapshotStateReportedEvent, map[string]any{
		"snapshot_id": snapshotID,
		"service":     name,
		"state":       state,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish snapshot state", "service", name, "error", err)
	}
}
