// Package file provides file-based snapshot persistence.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/persistence"
)

const snapshotsDir = "snapshots"

// Persistence implements persistence.Persistence using one JSON file per snapshot.
// File names start with the zero-padded commit time so lexical order is commit order.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.TrimPrefix(root, "file://")}
}

func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the snapshot directory exists or can be created.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	return os.MkdirAll(fp.dir(), 0o750)
}

func (fp *Persistence) dir() string {
	return filepath.Join(fp.root, snapshotsDir)
}

// SaveGlobalSnapshot writes to a temporary file and renames it into place, so a
// crash mid-write never leaves a partial snapshot visible to LoadGlobalSnapshot.
func (fp *Persistence) SaveGlobalSnapshot(_ context.Context, snapshot *models.Snapshot) error {
	err := persistence.ValidateSnapshot(snapshot)
	if err != nil {
		return persistence.NewSnapshotError("Save", "", err)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	err = os.MkdirAll(fp.dir(), 0o750)
	if err != nil {
		return persistence.NewSnapshotError("Save", snapshot.ID, err)
	}

	name := fmt.Sprintf("%020d-%s.json", snapshot.Timestamp.UTC().UnixNano(), snapshot.ID)

	existing, err := fp.fileNames()
	if err != nil {
		return persistence.NewSnapshotError("Save", snapshot.ID, err)
	}

	for _, f := range existing {
		if strings.HasSuffix(f, "-"+snapshot.ID+".json") {
			return persistence.NewSnapshotError("Save", snapshot.ID, persistence.ErrSnapshotAlreadyExists)
		}
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return persistence.NewSnapshotError("Save", snapshot.ID, err)
	}

	tmp, err := os.CreateTemp(fp.dir(), ".snapshot-*.tmp")
	if err != nil {
		return persistence.NewSnapshotError("Save", snapshot.ID, err)
	}

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Rename(tmp.Name(), filepath.Join(fp.dir(), name))
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return persistence.NewSnapshotError("Save", snapshot.ID, err)
	}

	return nil
}

func (fp *Persistence) LoadGlobalSnapshot(ctx context.Context) (*models.Snapshot, error) {
	snapshots, err := fp.Snapshots(ctx, 1)
	if err != nil {
		return nil, persistence.NewSnapshotError("Load", "", err)
	}

	if len(snapshots) == 0 {
		return nil, persistence.NewSnapshotError("Load", "", persistence.ErrSnapshotNotFound)
	}

	return snapshots[0], nil
}

func (fp *Persistence) Snapshots(_ context.Context, limit int) ([]*models.Snapshot, error) {
	fp.mu.Lock()
	names, err := fp.fileNames()
	fp.mu.Unlock()

	if err != nil {
		return nil, err
	}

	slices.Sort(names)
	slices.Reverse(names)

	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	snapshots := make([]*models.Snapshot, 0, len(names))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(fp.dir(), name))
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot file %s: %w", name, err)
		}

		var snapshot models.Snapshot

		err = json.Unmarshal(data, &snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot file %s: %w", name, err)
		}

		snapshots = append(snapshots, &snapshot)
	}

	return snapshots, nil
}

func (fp *Persistence) fileNames() ([]string, error) {
	names, err := fs.Glob(os.DirFS(fp.dir()), "*.json")
	if err != nil {
		return nil, err
	}

	if names == nil {
		_, statErr := os.Stat(fp.dir())
		if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
			return nil, statErr
		}
	}

	return names, nil
}
