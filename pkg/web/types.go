// Package web exposes the admin API over the supervisor, orchestrator,
// snapshot manager and goal tracker.
package web

import "github.com/dukex/nexus/pkg/models"

// TriggerWorkflowRequest is the optional body of POST /workflows/:name/trigger.
type TriggerWorkflowRequest struct {
	Payload map[string]any `json:"payload"`
}

// TriggerWorkflowResponse carries the finished run. Error is set when the
// run failed at a step.
type TriggerWorkflowResponse struct {
	Run   *models.WorkflowRun `json:"run"`
	Error string              `json:"error,omitempty"`
}

type SetGoalRequest struct {
	Name   string   `json:"name"   validate:"required"`
	Target *float64 `json:"target" validate:"required"`
}

type UpdateGoalRequest struct {
	Current *float64 `json:"current" validate:"required"`
}

// WorkflowResponse summarizes a loaded workflow.
type WorkflowResponse struct {
	Name          string        `json:"name"`
	Steps         []models.Step `json:"steps"`
	AlignmentTags []string      `json:"alignment,omitempty"`
	Source        string        `json:"source,omitempty"`
}

func newWorkflowResponse(wf *models.Workflow) WorkflowResponse {
	return WorkflowResponse{
		Name:          wf.Name,
		Steps:         wf.Steps,
		AlignmentTags: wf.AlignmentTags,
		Source:        wf.Source,
	}
}

// RestoreResponse reports which snapshot was applied; SnapshotID is empty on
// a fresh system.
type RestoreResponse struct {
	SnapshotID string `json:"snapshot_id,omitempty"`
	Restored   bool   `json:"restored"`
	Error      string `json:"error,omitempty"`
}
