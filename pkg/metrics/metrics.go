// Package metrics exports bus traffic and lifecycle events as Prometheus
// metrics. It only listens to the bus and never calls into components.
package metrics

import (
	"context"

	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
	"github.com/dukex/nexus/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nexus"

var serviceStates = []models.ServiceState{
	models.ServiceStateStopped,
	models.ServiceStateStarting,
	models.ServiceStateRunning,
	models.ServiceStateFailed,
}

type Collector struct {
	eventsPublished  *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	serviceState     *prometheus.GaugeVec
	serviceRecovered *prometheus.CounterVec
	workflowRuns     *prometheus.CounterVec
	snapshots        *prometheus.CounterVec

	subscriptions []eventbus.Subscription
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of events published on the bus",
			},
			[]string{"event_type"},
		),
		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_failures_total",
				Help:      "Total number of subscriber failures, panics included",
			},
			[]string{"event_type"},
		),
		serviceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_state",
				Help:      "Current lifecycle state of each service (1 for the active state)",
			},
			[]string{"service", "state"},
		),
		serviceRecovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_recoveries_total",
				Help:      "Total number of successful service recoveries",
			},
			[]string{"service"},
		),
		workflowRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Total number of finished workflow runs",
			},
			[]string{"workflow", "state"},
		),
		snapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_total",
				Help:      "Total number of snapshot attempts by result",
			},
			[]string{"result"},
		),
	}

	for _, collector := range []prometheus.Collector{
		c.eventsPublished,
		c.handlerFailures,
		c.serviceState,
		c.serviceRecovered,
		c.workflowRuns,
		c.snapshots,
	} {
		err := reg.Register(collector)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Attach starts observing bus deliveries and subscribes to lifecycle,
// run and snapshot events.
func (c *Collector) Attach(bus *eventbus.Bus) error {
	bus.Observe(c)

	handlers := map[events.EventType]eventbus.Handler{
		events.ServiceStartingEvent:      c.onServiceEvent,
		events.ServiceRunningEvent:       c.onServiceEvent,
		events.ServiceFailedEvent:        c.onServiceEvent,
		events.ServiceStoppedEvent:       c.onServiceEvent,
		events.ServiceRecoveredEvent:     c.onServiceRecovered,
		events.WorkflowRunCompletedEvent: c.onRun(models.RunStateCompleted),
		events.WorkflowRunFailedEvent:    c.onRun(models.RunStateFailed),
		events.SnapshotCommittedEvent:    c.onSnapshot("committed"),
		events.SnapshotFailedEvent:       c.onSnapshot("failed"),
	}

	for eventType, handler := range handlers {
		sub, err := bus.Subscribe(eventType, handler)
		if err != nil {
			return err
		}

		c.subscriptions = append(c.subscriptions, sub)
	}

	return nil
}

// Detach removes the lifecycle subscriptions. The bus keeps the observer.
func (c *Collector) Detach(bus *eventbus.Bus) {
	for _, sub := range c.subscriptions {
		bus.Unsubscribe(sub)
	}

	c.subscriptions = nil
}

func (c *Collector) EventPublished(eventType events.EventType, _ int) {
	c.eventsPublished.WithLabelValues(string(eventType)).Inc()
}

func (c *Collector) HandlerFailed(eventType events.EventType, _ error) {
	c.handlerFailures.WithLabelValues(string(eventType)).Inc()
}

func (c *Collector) onServiceEvent(_ context.Context, event events.Event) error {
	service, _ := event.Payload["service"].(string)
	state, _ := event.Payload["state"].(string)

	if service == "" || state == "" {
		return nil
	}

	for _, s := range serviceStates {
		value := 0.0
		if string(s) == state {
			value = 1
		}

		c.serviceState.WithLabelValues(service, string(s)).Set(value)
	}

	return nil
}

func (c *Collector) onServiceRecovered(ctx context.Context, event events.Event) error {
	if service, ok := event.Payload["service"].(string); ok {
		c.serviceRecovered.WithLabelValues(service).Inc()
	}

	return c.onServiceEvent(ctx, event)
}

func (c *Collector) onRun(state models.RunState) eventbus.Handler {
	return func(_ context.Context, event events.Event) error {
		workflow, _ := event.Payload["workflow"].(string)
		c.workflowRuns.WithLabelValues(workflow, string(state)).Inc()

		return nil
	}
}

func (c *Collector) onSnapshot(result string) eventbus.Handler {
	return func(context.Context, events.Event) error {
		c.snapshots.WithLabelValues(result).Inc()

		return nil
	}
}
