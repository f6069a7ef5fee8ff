// Package persistence defines the durable snapshot store consumed by the snapshot manager.
package persistence

import (
	"context"

	"github.com/dukex/nexus/pkg/models"
)

// Persistence stores committed snapshots. SaveGlobalSnapshot must be atomic:
// either the whole snapshot becomes the latest committed one or nothing changes.
type Persistence interface {
	SaveGlobalSnapshot(ctx context.Context, snapshot *models.Snapshot) error
	// LoadGlobalSnapshot returns ErrSnapshotNotFound when nothing was committed yet.
	LoadGlobalSnapshot(ctx context.Context) (*models.Snapshot, error)
	// Snapshots lists committed snapshots, newest first. limit <= 0 means all.
	Snapshots(ctx context.Context, limit int) ([]*models.Snapshot, error)
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
