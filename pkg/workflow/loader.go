// Package workflow loads declarative workflow documents and runs them: steps
// publish events, call bound service methods or take decisions, strictly in
// the declared order.
package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/nexus/pkg/errdefs"
	"github.com/dukex/nexus/pkg/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var documentExtensions = []string{".yaml", ".yml", ".json"}

// Validate reports whether wf declares a non-empty list of steps.
func Validate(wf *models.Workflow) bool {
	return wf.HasSteps()
}

// Loader parses workflow documents and checks them against the binding table.
type Loader struct {
	bindings  *Bindings
	evaluator *Evaluator
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewLoader(bindings *Bindings, evaluator *Evaluator, logger *slog.Logger) *Loader {
	return &Loader{
		bindings:  bindings,
		evaluator: evaluator,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With("module", "workflow_loader"),
	}
}

// LoadDir parses every workflow document in dir. Documents that fail
// validation are left out of the result and reported in the returned error;
// they never prevent the others from loading.
func (l *Loader) LoadDir(dir string) (map[string]*models.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows directory: %w", err)
	}

	workflows := make(map[string]*models.Workflow)

	var errs []error

	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(documentExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, errdefs.NewValidationError(path, "unreadable document", err))

			continue
		}

		wf, err := l.Parse(path, data)
		if err != nil {
			l.logger.Warn("Skipping invalid workflow document", "document", path, "error", err)
			errs = append(errs, err)

			continue
		}

		if existing, ok := workflows[wf.Name]; ok {
			errs = append(errs, errdefs.NewValidationError(path,
				fmt.Sprintf("duplicate workflow name %q, already defined in %s", wf.Name, existing.Source), nil))

			continue
		}

		workflows[wf.Name] = wf
	}

	l.logger.Info("Loaded workflows", "directory", dir, "loaded", len(workflows), "rejected", len(errs))

	return workflows, errors.Join(errs...)
}

// Parse decodes one YAML or JSON document. source names the document in
// errors and provides the default workflow name.
func (l *Loader) Parse(source string, data []byte) (*models.Workflow, error) {
	var document map[string]any

	err := yaml.Unmarshal(data, &document)
	if err != nil {
		return nil, errdefs.NewValidationError(source, "malformed document", err)
	}

	if document == nil {
		return nil, errdefs.NewValidationError(source, "empty document", nil)
	}

	if _, ok := document["steps"]; !ok {
		return nil, errdefs.NewValidationError(source, `missing required field "steps"`, nil)
	}

	err = validateDocument(document)
	if err != nil {
		return nil, errdefs.NewValidationError(source, "document does not match the workflow schema", err)
	}

	var wf models.Workflow

	err = yaml.Unmarshal(data, &wf)
	if err != nil {
		return nil, errdefs.NewValidationError(source, "malformed document", err)
	}

	if wf.Name == "" {
		base := filepath.Base(source)
		wf.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	wf.Source = source

	err = l.Check(&wf)
	if err != nil {
		return nil, err
	}

	return &wf, nil
}

// Check validates a decoded workflow: it must have steps, every step must
// carry well-formed params, every service_call binding must resolve and every
// decision predicate must compile.
func (l *Loader) Check(wf *models.Workflow) error {
	document := wf.Source
	if document == "" {
		document = wf.Name
	}

	if !Validate(wf) {
		return errdefs.NewValidationError(document, `"steps" must be a non-empty list`, nil)
	}

	err := l.validate.Struct(wf)
	if err != nil {
		return errdefs.NewValidationError(document, "invalid workflow", err)
	}

	for i, step := range wf.Steps {
		err := checkStep(step, l.bindings, l.evaluator)
		if err != nil {
			return errdefs.NewValidationError(document, fmt.Sprintf("step %d (%s)", i, step.Kind), err)
		}
	}

	return nil
}

// Save writes wf to dir as <name>.yaml. The written document loads back into
// an equivalent workflow.
func Save(dir string, wf *models.Workflow) (string, error) {
	if !Validate(wf) {
		return "", errdefs.NewValidationError(wf.Name, `"steps" must be a non-empty list`, nil)
	}

	if wf.Name == "" || filepath.Base(wf.Name) != wf.Name || strings.HasPrefix(wf.Name, ".") {
		return "", errdefs.NewValidationError(wf.Name, "workflow name is not usable as a file name", nil)
	}

	data, err := yaml.Marshal(wf)
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow: %w", err)
	}

	err = os.MkdirAll(dir, 0o750)
	if err != nil {
		return "", fmt.Errorf("failed to create workflows directory: %w", err)
	}

	path := filepath.Join(dir, wf.Name+".yaml")

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to write workflow: %w", err)
	}

	return path, nil
}
