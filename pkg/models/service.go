// Package models defines the domain records owned by the supervisor, orchestrator and snapshot manager.
package models

import (
	"fmt"
	"time"
)

// ServiceState is a position in the service lifecycle state machine.
type ServiceState string

const (
	ServiceStateStopped  ServiceState = "stopped"
	ServiceStateStarting ServiceState = "starting"
	ServiceStateRunning  ServiceState = "running"
	ServiceStateFailed   ServiceState = "failed"
)

// serviceTransitions lists the allowed next states. Running never goes back to
// Starting; only Failed re-enters Starting through a recovery attempt.
var serviceTransitions = map[ServiceState][]ServiceState{
	ServiceStateStopped:  {ServiceStateStarting},
	ServiceStateStarting: {ServiceStateRunning, ServiceStateFailed, ServiceStateStopped},
	ServiceStateRunning:  {ServiceStateFailed, ServiceStateStopped},
	ServiceStateFailed:   {ServiceStateStarting, ServiceStateStopped},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to ServiceState) bool {
	for _, next := range serviceTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// ServiceRecord is the supervisor's view of one registered service.
type ServiceRecord struct {
	Name             string       `json:"name"`
	State            ServiceState `json:"state"`
	RecoveryAttempts int          `json:"recovery_attempts"`
	LastError        string       `json:"last_error,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Transition moves the record to next, refusing moves the state machine forbids.
func (r *ServiceRecord) Transition(next ServiceState) error {
	if !CanTransition(r.State, next) {
		return fmt.Errorf("illegal service transition %s -> %s for %q", r.State, next, r.Name)
	}

	now := time.Now().UTC()
	r.State = next
	r.UpdatedAt = now

	if next == ServiceStateRunning {
		r.StartedAt = &now
	}

	return nil
}
