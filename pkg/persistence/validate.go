package persistence

import (
	"fmt"

	"github.com/dukex/nexus/pkg/models"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateSnapshot rejects snapshots that cannot be stored.
func ValidateSnapshot(snapshot *models.Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}

	err := validate.Struct(snapshot)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	return nil
}
