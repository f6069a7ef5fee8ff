package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dukex/nexus/pkg/goals"
	"github.com/dukex/nexus/pkg/services/statsagg"
	"github.com/dukex/nexus/pkg/services/sysmonitor"
	"github.com/dukex/nexus/pkg/snapshot"
	"github.com/dukex/nexus/pkg/workflow"
)

// Components are the built-in targets workflows can call. Nil components
// get no bindings.
type Components struct {
	Goals     *goals.Tracker
	Snapshots *snapshot.Manager
	Stats     *statsagg.Aggregator
	Monitor   sysmonitor.Collector
}

// RegisterBindings adds the built-in components to the service_call table.
func RegisterBindings(bindings *workflow.Bindings, c Components) error {
	var errs []error

	bind := func(service, method string, fn workflow.Method) {
		errs = append(errs, bindings.Bind(service, method, fn))
	}

	if c.Goals != nil {
		bind("goals", "set", func(_ context.Context, args map[string]any) (any, error) {
			name, err := stringArg(args, "name")
			if err != nil {
				return nil, err
			}

			target, err := numberArg(args, "target")
			if err != nil {
				return nil, err
			}

			return nil, c.Goals.SetGoal(name, target)
		})

		bind("goals", "update", func(ctx context.Context, args map[string]any) (any, error) {
			name, err := stringArg(args, "name")
			if err != nil {
				return nil, err
			}

			current, err := numberArg(args, "current")
			if err != nil {
				return nil, err
			}

			return nil, c.Goals.UpdateGoal(ctx, name, current)
		})

		bind("goals", "list", func(context.Context, map[string]any) (any, error) {
			return c.Goals.Goals(), nil
		})
	}

	if c.Snapshots != nil {
		bind("snapshots", "request", func(ctx context.Context, _ map[string]any) (any, error) {
			snap, err := c.Snapshots.RequestSnapshot(ctx)
			if err != nil {
				return nil, err
			}

			return map[string]any{"snapshot_id": snap.ID, "services": len(snap.Services)}, nil
		})
	}

	if c.Stats != nil {
		bind("stats", "summary", func(context.Context, map[string]any) (any, error) {
			return map[string]any{
				"rolling_average": c.Stats.RollingAverage(),
				"prediction":      c.Stats.Prediction(),
			}, nil
		})
	}

	if c.Monitor != nil {
		bind("system", "sample", func(ctx context.Context, _ map[string]any) (any, error) {
			metrics, err := c.Monitor(ctx)
			if err != nil {
				return nil, err
			}

			return map[string]any{
				"cpu_percent":    metrics.CPUPercent,
				"memory_percent": metrics.MemoryPercent,
				"disk_usage":     metrics.DiskPercent,
			}, nil
		})
	}

	return errors.Join(errs...)
}

func numberArg(args map[string]any, key string) (float64, error) {
	switch n := args[key].(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case nil:
		return 0, fmt.Errorf("missing argument %q", key)
	default:
		return 0, fmt.Errorf("argument %q: want number, got %T", key, n)
	}
}

// stringArg reads args[key] as a string. Templated args that rendered as a
// number or a boolean are turned back into their text.
func stringArg(args map[string]any, key string) (string, error) {
	switch v := args[key].(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", fmt.Errorf("missing argument %q", key)
	default:
		return "", fmt.Errorf("argument %q: want string, got %T", key, v)
	}
}
