package workflow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dukex/nexus/pkg/models"
	"github.com/google/cel-go/cel"
)

// Variables visible to decision predicates.
const (
	TriggerVariable  = "trigger"
	OutcomesVariable = "outcomes"
)

// RunVariable holds the run id and workflow name. Only templated params see it.
const RunVariable = "run"

// Rule is one (predicate, action) pair of a decision step. When is a CEL
// expression over the trigger payload and the outcomes of earlier steps,
// keyed by step index ("0", "1", ...).
type Rule struct {
	When   string `json:"when"   yaml:"when"`
	Action string `json:"action" yaml:"action"`
}

// Evaluator compiles and evaluates decision predicates, caching compiled programs.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(TriggerVariable, cel.DynType),
		cel.Variable(OutcomesVariable, cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile checks that expr is a valid predicate.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)

	return err
}

// Eval evaluates expr against vars. A non-boolean result is an error.
func (e *Evaluator) Eval(expr string, vars map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %T, want bool", expr, out.Value())
	}

	return matched, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()

	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}

	e.programs[expr] = prg

	return prg, nil
}

// Decide returns the action of the first rule whose predicate holds, or
// models.NoOpOutcome when none does.
func (e *Evaluator) Decide(rules []Rule, vars map[string]any) (string, error) {
	for _, rule := range rules {
		matched, err := e.Eval(rule.When, vars)
		if err != nil {
			return "", err
		}

		if matched {
			return rule.Action, nil
		}
	}

	return models.NoOpOutcome, nil
}

var errNoRules = errors.New(`decision step needs a "rules" list`)

// decodeRules reads the rules of a decision step's params.
func decodeRules(params map[string]any) ([]Rule, error) {
	raw, ok := params["rules"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errNoRules
	}

	rules := make([]Rule, 0, len(raw))

	for i, item := range raw {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("rule %d is not a mapping", i)
		}

		when, _ := fields["when"].(string)
		action, _ := fields["action"].(string)

		if when == "" || action == "" {
			return nil, fmt.Errorf(`rule %d needs "when" and "action"`, i)
		}

		rules = append(rules, Rule{When: when, Action: action})
	}

	return rules, nil
}
