package goals

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/nexus/pkg/models"
)

// DefaultPrinciples is the principle set a workflow has to declare when the
// alignment gate is enabled without an explicit list.
var DefaultPrinciples = []string{
	"Adaptive Intelligence",
	"Operational Autonomy",
	"Intrinsic Resilience",
	"Continuous Evolution",
	"Decentralized & Scalable Architecture",
	"Resource & Process Optimization",
	"Holistic Integration",
	"Inherent Security",
	"Novel Computation Paradigms",
}

// PrinciplesGate rejects workflows whose alignment tags do not cover every
// configured principle.
type PrinciplesGate struct {
	principles []string
}

func NewPrinciplesGate(principles ...string) *PrinciplesGate {
	if len(principles) == 0 {
		principles = DefaultPrinciples
	}

	return &PrinciplesGate{principles: slices.Clone(principles)}
}

func (g *PrinciplesGate) Principles() []string {
	return slices.Clone(g.principles)
}

func (g *PrinciplesGate) Check(_ context.Context, wf *models.Workflow) error {
	var missing []string

	for _, principle := range g.principles {
		if !slices.Contains(wf.AlignmentTags, principle) {
			missing = append(missing, principle)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing alignment with %s", strings.Join(missing, ", "))
	}

	return nil
}
