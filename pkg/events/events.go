// Package events defines the event envelope and the event types exchanged over the bus.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Routing prefixes recognised by the orchestrator's event queue.
const (
	CorePrefix     = "core_"
	WorkflowPrefix = "workflow_"
)

// Topic used when bus events are bridged to an external broker.
const Topic = "nexus.events"

const EventTypeMetadataKey = "event_type"

const (
	// Snapshot coordination.
	SnapshotRequestedEvent     EventType = "snapshot.requested"
	SnapshotStateReportedEvent EventType = "snapshot.state_reported"
	SnapshotCommittedEvent     EventType = "snapshot.committed"
	SnapshotFailedEvent        EventType = "snapshot.failed"

	// Service lifecycle.
	ServiceStartingEvent  EventType = "service.starting"
	ServiceRunningEvent   EventType = "service.running"
	ServiceFailedEvent    EventType = "service.failed"
	ServiceRecoveredEvent EventType = "service.recovered"
	ServiceStoppedEvent   EventType = "service.stopped"

	// Workflow runs.
	WorkflowRunCompletedEvent EventType = "workflow.run.completed"
	WorkflowRunFailedEvent    EventType = "workflow.run.failed"

	// Goals.
	GoalBelowTargetEvent EventType = "goal.below_target"

	// Built-in services.
	SystemMetricsEvent   EventType = "core_system_metrics"
	StatsAggregatedEvent EventType = "core_stats_aggregated"
)

// Event is the envelope delivered to subscribers. It is never persisted.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewEvent(eventType EventType, payload map[string]any) Event {
	if payload == nil {
		payload = make(map[string]any)
	}

	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// IsCore reports whether the type carries the core routing prefix.
func (t EventType) IsCore() bool {
	return strings.HasPrefix(string(t), CorePrefix)
}

// WorkflowName returns the workflow named by a workflow-prefixed type.
func (t EventType) WorkflowName() (string, bool) {
	name, ok := strings.CutPrefix(string(t), WorkflowPrefix)
	if !ok || name == "" {
		return "", false
	}

	return name, true
}

// WorkflowTrigger builds the queue event type that triggers the named workflow.
func WorkflowTrigger(name string) EventType {
	return EventType(WorkflowPrefix + name)
}
