package models

import "time"

type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// NoOpOutcome is recorded when no decision rule matches.
const NoOpOutcome = "no-op"

// ExecutedStep records one step of a run, in execution order.
type ExecutedStep struct {
	Index       int       `json:"index"`
	Kind        StepKind  `json:"kind"`
	Outcome     any       `json:"outcome,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// WorkflowRun is one execution of a workflow.
type WorkflowRun struct {
	ID             string         `json:"id"`
	WorkflowName   string         `json:"workflow_name"`
	State          RunState       `json:"state"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
	ExecutedSteps  []ExecutedStep `json:"executed_steps"`
	FailedStep     *int           `json:"failed_step,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
