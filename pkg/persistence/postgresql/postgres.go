// Package postgresql provides PostgreSQL snapshot persistence.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/persistence"
	"github.com/dukex/nexus/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence connects to databaseURL and runs pending migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPersistenceWithDB(ctx, logger, database)
}

// NewPersistenceWithDB wraps an existing connection pool and runs migrations on it.
func NewPersistenceWithDB(ctx context.Context, logger *slog.Logger, database *sql.DB) (*Persistence, error) {
	logger = logger.With("module", "postgresql_persistence")

	err := sqlbase.NewMigrationManager(logger, database, migrations()).RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{db: database, logger: logger}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// SaveGlobalSnapshot inserts the snapshot in a single transaction.
func (p *Persistence) SaveGlobalSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	err := persistence.ValidateSnapshot(snapshot)
	if err != nil {
		return persistence.NewSnapshotError("Save", "", err)
	}

	services, err := json.Marshal(snapshot.Services)
	if err != nil {
		return persistence.NewSnapshotError("Save", snapshot.ID, fmt.Errorf("failed to marshal services: %w", err))
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewSnapshotError("Save", snapshot.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO global_snapshots (id, created_at, services) VALUES ($1, $2, $3)",
		snapshot.ID, snapshot.Timestamp.UTC(), services,
	)
	if err != nil {
		_ = tx.Rollback()

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			err = persistence.ErrSnapshotAlreadyExists
		}

		return persistence.NewSnapshotError("Save", snapshot.ID, err)
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewSnapshotError("Save", snapshot.ID, err)
	}

	return nil
}

func (p *Persistence) LoadGlobalSnapshot(ctx context.Context) (*models.Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT
			id
		  , created_at
		  , services
		FROM global_snapshots
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`)

	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewSnapshotError("Load", "", persistence.ErrSnapshotNotFound)
	}

	if err != nil {
		return nil, persistence.NewSnapshotError("Load", "", err)
	}

	return snapshot, nil
}

func (p *Persistence) Snapshots(ctx context.Context, limit int) ([]*models.Snapshot, error) {
	query := `
		SELECT
			id
		  , created_at
		  , services
		FROM global_snapshots
		ORDER BY created_at DESC, seq DESC
	`
	args := []any{}

	if limit > 0 {
		query += " LIMIT $1"

		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	snapshots := make([]*models.Snapshot, 0)

	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}

		snapshots = append(snapshots, snapshot)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}

	return snapshots, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*models.Snapshot, error) {
	var (
		snapshot models.Snapshot
		services []byte
	)

	err := row.Scan(&snapshot.ID, &snapshot.Timestamp, &services)
	if err != nil {
		return nil, err
	}

	if len(services) > 0 {
		err = json.Unmarshal(services, &snapshot.Services)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal services: %w", err)
		}
	}

	snapshot.Timestamp = snapshot.Timestamp.UTC()

	return &snapshot, nil
}
