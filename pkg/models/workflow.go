package models

// StepKind selects how the orchestrator executes a step.
type StepKind string

const (
	StepKindEvent       StepKind = "event"
	StepKindServiceCall StepKind = "service_call"
	StepKindDecision    StepKind = "decision"
)

func (k StepKind) Valid() bool {
	switch k {
	case StepKindEvent, StepKindServiceCall, StepKindDecision:
		return true
	default:
		return false
	}
}

// Step is one declarative instruction of a workflow.
type Step struct {
	Kind   StepKind       `json:"kind"   yaml:"kind"   validate:"required,oneof=event service_call decision"`
	Params map[string]any `json:"params" yaml:"params"`
}

// Workflow is immutable once loaded for a run.
type Workflow struct {
	Name          string   `json:"name"                yaml:"name"                validate:"required"`
	Steps         []Step   `json:"steps"               yaml:"steps"               validate:"required,min=1,dive"`
	AlignmentTags []string `json:"alignment,omitempty" yaml:"alignment,omitempty"`

	// Source is the document the workflow was loaded from, if any.
	Source string `json:"-" yaml:"-"`
}

// HasSteps reports whether the workflow declares at least one step.
func (w *Workflow) HasSteps() bool {
	return w != nil && len(w.Steps) > 0
}
