package workflow

import (
	"fmt"

	"github.com/dukex/nexus/pkg/errdefs"
	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/template"
)

func stringParam(params map[string]any, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("missing string param %q", key)
	}

	return value, nil
}

// mapParam returns params[key] as a map, or an empty map when absent.
func mapParam(params map[string]any, key string) (map[string]any, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return map[string]any{}, nil
	}

	value, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("param %q must be a mapping, got %T", key, raw)
	}

	return value, nil
}

// renderedMapParam returns params[key] with its templated strings rendered
// against scope.
func renderedMapParam(params map[string]any, key string, scope map[string]any) (map[string]any, error) {
	value, err := mapParam(params, key)
	if err != nil {
		return nil, err
	}

	rendered, err := template.RenderParams(value, scope)
	if err != nil {
		return nil, fmt.Errorf("param %q: %w", key, err)
	}

	return rendered, nil
}

func checkTemplates(params map[string]any, key string) error {
	value, err := mapParam(params, key)
	if err != nil {
		return err
	}

	err = template.Check(value)
	if err != nil {
		return fmt.Errorf("param %q: %w", key, err)
	}

	return nil
}

// checkStep validates the params of one step, resolving service_call
// bindings and compiling decision predicates.
func checkStep(step models.Step, bindings *Bindings, evaluator *Evaluator) error {
	switch step.Kind {
	case models.StepKindEvent:
		_, err := stringParam(step.Params, "event_type")
		if err != nil {
			return err
		}

		return checkTemplates(step.Params, "data")
	case models.StepKindServiceCall:
		service, err := stringParam(step.Params, "service")
		if err != nil {
			return err
		}

		method, err := stringParam(step.Params, "method")
		if err != nil {
			return err
		}

		err = checkTemplates(step.Params, "args")
		if err != nil {
			return err
		}

		_, err = bindings.Resolve(service, method)

		return err
	case models.StepKindDecision:
		rules, err := decodeRules(step.Params)
		if err != nil {
			return err
		}

		for _, rule := range rules {
			err := evaluator.Compile(rule.When)
			if err != nil {
				return err
			}
		}

		return nil
	default:
		return fmt.Errorf("%w: unknown step kind %q", errdefs.ErrValidation, step.Kind)
	}
}
