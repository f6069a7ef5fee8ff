package web

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type ServiceLister interface {
	Records() []models.ServiceRecord
}

type WorkflowRunner interface {
	Workflows() []*models.Workflow
	Trigger(ctx context.Context, name string, payload map[string]any) (*models.WorkflowRun, error)
	Runs(limit int) []models.WorkflowRun
}

type SnapshotController interface {
	RequestSnapshot(ctx context.Context) (*models.Snapshot, error)
	RestoreLatest(ctx context.Context) (*models.Snapshot, error)
	Snapshots(ctx context.Context, limit int) ([]*models.Snapshot, error)
}

type GoalTracker interface {
	Goals() []models.Goal
	SetGoal(name string, target float64) error
	UpdateGoal(ctx context.Context, name string, current float64) error
}

type APIHandlers struct {
	services  ServiceLister
	workflows WorkflowRunner
	snapshots SnapshotController
	goals     GoalTracker
	validator *validator.Validate
}

func NewAPIHandlers(
	services ServiceLister,
	workflows WorkflowRunner,
	snapshots SnapshotController,
	goals GoalTracker,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		services:  services,
		workflows: workflows,
		snapshots: snapshots,
		goals:     goals,
		validator: validator,
	}
}

func (h *APIHandlers) GetServices(c fiber.Ctx) error {
	return c.JSON(h.services.Records())
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	loaded := h.workflows.Workflows()

	response := make([]WorkflowResponse, 0, len(loaded))
	for _, wf := range loaded {
		response = append(response, newWorkflowResponse(wf))
	}

	return c.JSON(response)
}

func (h *APIHandlers) TriggerWorkflow(c fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return badRequest(c, "Workflow name is required")
	}

	var req TriggerWorkflowRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	run, err := h.workflows.Trigger(c.Context(), name, req.Payload)

	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) {
		return c.JSON(TriggerWorkflowResponse{Run: run, Error: stepErr.Error()})
	}

	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(TriggerWorkflowResponse{Run: run})
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid limit: "+err.Error())
	}

	return c.JSON(h.workflows.Runs(limit))
}

func (h *APIHandlers) GetSnapshots(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid limit: "+err.Error())
	}

	snapshots, err := h.snapshots.Snapshots(c.Context(), limit)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(snapshots)
}

func (h *APIHandlers) CreateSnapshot(c fiber.Ctx) error {
	snapshot, err := h.snapshots.RequestSnapshot(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(snapshot)
}

// RestoreSnapshot applies the latest snapshot. Per-service restore failures
// are reported alongside the snapshot that was applied.
func (h *APIHandlers) RestoreSnapshot(c fiber.Ctx) error {
	snapshot, err := h.snapshots.RestoreLatest(c.Context())
	if snapshot == nil && err != nil {
		return handleError(c, err)
	}

	response := RestoreResponse{}
	if snapshot != nil {
		response.SnapshotID = snapshot.ID
		response.Restored = true
	}

	if err != nil {
		response.Error = err.Error()
	}

	return c.JSON(response)
}

func (h *APIHandlers) GetGoals(c fiber.Ctx) error {
	return c.JSON(h.goals.Goals())
}

func (h *APIHandlers) SetGoal(c fiber.Ctx) error {
	var req SetGoalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.goals.SetGoal(req.Name, *req.Target)
	if err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) UpdateGoal(c fiber.Ctx) error {
	var req UpdateGoalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	name, err := url.PathUnescape(c.Params("name"))
	if err != nil {
		return badRequest(c, "Invalid goal name")
	}

	err = h.goals.UpdateGoal(c.Context(), name, *req.Current)
	if err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func parseLimit(c fiber.Ctx) (int, error) {
	limitStr := c.Query("limit")
	if limitStr == "" {
		return 0, nil
	}

	return strconv.Atoi(limitStr)
}
