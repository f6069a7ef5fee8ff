package persistence_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestSnapshotError(t *testing.T) {
	t.Parallel()

	err := persistence.NewSnapshotError("Load", "", persistence.ErrSnapshotNotFound)

	assert.True(t, persistence.IsSnapshotNotFound(err))
	assert.True(t, persistence.IsSnapshotNotFound(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, "Load operation failed: snapshot not found", err.Error())

	withID := persistence.NewSnapshotError("Save", "abc", errors.New("disk"))
	assert.Contains(t, withID.Error(), "snapshot abc")
	assert.False(t, persistence.IsSnapshotNotFound(withID))
}

func TestValidateSnapshot(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, persistence.ValidateSnapshot(nil), persistence.ErrInvalidSnapshot)
	assert.ErrorIs(t, persistence.ValidateSnapshot(&models.Snapshot{}), persistence.ErrInvalidSnapshot)
	assert.NoError(t, persistence.ValidateSnapshot(&models.Snapshot{ID: "s1", Timestamp: time.Now()}))
}
