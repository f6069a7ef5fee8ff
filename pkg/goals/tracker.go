// Package goals keeps the system-wide targets services measure themselves
// against, and the principles a workflow must declare before it may run.
package goals

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/dukex/nexus/pkg/errdefs"
	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
	"github.com/dukex/nexus/pkg/models"
	"github.com/go-playground/validator/v10"
)

// ResourceOptimization is the goal the system monitor reports CPU usage against.
const ResourceOptimization = "Resource Optimization"

type Tracker struct {
	bus      *eventbus.Bus
	validate *validator.Validate
	logger   *slog.Logger

	mu    sync.RWMutex
	goals map[string]models.Goal
}

func NewTracker(bus *eventbus.Bus, logger *slog.Logger) *Tracker {
	return &Tracker{
		bus:      bus,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("module", "goal_tracker"),
		goals:    make(map[string]models.Goal),
	}
}

// SetGoal defines or replaces a goal. Replacing clears the measured value.
func (t *Tracker) SetGoal(name string, target float64) error {
	goal := models.Goal{Name: name, Target: target}

	err := t.validate.Struct(goal)
	if err != nil {
		return fmt.Errorf("%w: goal: %w", errdefs.ErrValidation, err)
	}

	t.mu.Lock()
	t.goals[name] = goal
	t.mu.Unlock()

	t.logger.Info("Goal set", "goal", name, "target", target)

	return nil
}

// UpdateGoal records a measurement and publishes goal.below_target when it
// falls short of the target.
func (t *Tracker) UpdateGoal(ctx context.Context, name string, current float64) error {
	t.mu.Lock()

	goal, ok := t.goals[name]
	if !ok {
		t.mu.Unlock()

		return errdefs.NewNotFoundError("goal", name)
	}

	goal.Current = &current
	t.goals[name] = goal
	t.mu.Unlock()

	if !goal.BelowTarget() {
		return nil
	}

	t.logger.DebugContext(ctx, "Goal below target", "goal", name, "target", goal.Target, "current", current)

	return t.bus.Publish(ctx, events.GoalBelowTargetEvent, map[string]any{
		"goal":    name,
		"target":  goal.Target,
		"current": current,
	})
}

func (t *Tracker) Goal(name string) (models.Goal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	goal, ok := t.goals[name]
	if !ok {
		return models.Goal{}, errdefs.NewNotFoundError("goal", name)
	}

	return goal, nil
}

// Goals returns every goal sorted by name.
func (t *Tracker) Goals() []models.Goal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	goals := make([]models.Goal, 0, len(t.goals))
	for _, name := range slices.Sorted(maps.Keys(t.goals)) {
		goals = append(goals, t.goals[name])
	}

	return goals
}
