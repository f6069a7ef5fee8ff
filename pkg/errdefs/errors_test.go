package errdefs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/nexus/pkg/errdefs"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", errdefs.NewValidationError("scan.yaml", "missing steps", nil), errdefs.IsValidation},
		{"not found", errdefs.NewNotFoundError("workflow", "scan"), errdefs.IsNotFound},
		{"handler", &errdefs.HandlerError{EventType: "core_ping", Handler: "#0", Err: cause}, errdefs.IsHandler},
		{"persistence", errdefs.NewPersistenceError("SaveGlobalSnapshot", cause), errdefs.IsPersistence},
		{"lifecycle", errdefs.NewLifecycleError("svc", "start", cause), errdefs.IsLifecycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(wrapped))
		})
	}
}

func TestErrorUnwrapKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := errdefs.NewPersistenceError("SaveGlobalSnapshot", cause)

	assert.ErrorIs(t, err, cause)
	assert.False(t, errdefs.IsNotFound(err))
	assert.Contains(t, err.Error(), "SaveGlobalSnapshot")
}

func TestValidationErrorMessageNamesDocument(t *testing.T) {
	t.Parallel()

	err := errdefs.NewValidationError("broken.yaml", "missing steps", nil)

	assert.Equal(t, `invalid workflow "broken.yaml": missing steps`, err.Error())
}
