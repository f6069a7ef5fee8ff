// Package redis provides Redis-backed snapshot persistence.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/nexus/pkg/models"
	"github.com/dukex/nexus/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "nexus"
	indexKey      = "snapshots"
)

// saveSnapshotScript stores the snapshot document and indexes it in one step.
// KEYS[1] = snapshot key
// KEYS[2] = index sorted set
// ARGV[1] = encoded snapshot
// ARGV[2] = score (commit time in unix nanoseconds)
// ARGV[3] = snapshot id
var saveSnapshotScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end

redis.call("SET", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])

return 1
`)

// Persistence stores each snapshot as a JSON string and keeps a sorted set of
// snapshot ids scored by commit time.
type Persistence struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewPersistence connects to the Redis server described by url
// (for example redis://localhost:6379/0).
func NewPersistence(ctx context.Context, logger *slog.Logger, url string) (*Persistence, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	p := NewPersistenceWithClient(logger, goredis.NewClient(opts), defaultPrefix)

	err = p.HealthCheck(ctx)
	if err != nil {
		_ = p.client.Close()

		return nil, err
	}

	return p, nil
}

func NewPersistenceWithClient(logger *slog.Logger, client goredis.UniversalClient, prefix string) *Persistence {
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Persistence{
		client: client,
		prefix: prefix,
		logger: logger.With("module", "redis_persistence"),
	}
}

func (p *Persistence) snapshotKey(id string) string {
	return p.prefix + ":snapshot:" + id
}

func (p *Persistence) indexKey() string {
	return p.prefix + ":" + indexKey
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	_, err := p.client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

func (p *Persistence) SaveGlobalSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	err := persistence.ValidateSnapshot(snapshot)
	if err != nil {
		return persistence.NewSnapshotError("Save", "", err)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return persistence.NewSnapshotError("Save", snapshot.ID, err)
	}

	stored, err := saveSnapshotScript.Run(ctx, p.client,
		[]string{p.snapshotKey(snapshot.ID), p.indexKey()},
		string(data), snapshot.Timestamp.UnixNano(), snapshot.ID,
	).Int()
	if err != nil {
		return persistence.NewSnapshotError("Save", snapshot.ID, err)
	}

	if stored == 0 {
		return persistence.NewSnapshotError("Save", snapshot.ID, persistence.ErrSnapshotAlreadyExists)
	}

	return nil
}

func (p *Persistence) LoadGlobalSnapshot(ctx context.Context) (*models.Snapshot, error) {
	snapshots, err := p.Snapshots(ctx, 1)
	if err != nil {
		return nil, persistence.NewSnapshotError("Load", "", err)
	}

	if len(snapshots) == 0 {
		return nil, persistence.NewSnapshotError("Load", "", persistence.ErrSnapshotNotFound)
	}

	return snapshots[0], nil
}

func (p *Persistence) Snapshots(ctx context.Context, limit int) ([]*models.Snapshot, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := p.client.ZRevRange(ctx, p.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot index: %w", err)
	}

	snapshots := make([]*models.Snapshot, 0, len(ids))

	for _, id := range ids {
		data, err := p.client.Get(ctx, p.snapshotKey(id)).Bytes()
		if errors.Is(err, goredis.Nil) {
			p.logger.WarnContext(ctx, "Snapshot indexed but missing", "snapshot_id", id)

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot %s: %w", id, err)
		}

		var snapshot models.Snapshot

		err = json.Unmarshal(data, &snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot %s: %w", id, err)
		}

		snapshots = append(snapshots, &snapshot)
	}

	return snapshots, nil
}
