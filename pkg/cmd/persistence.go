// Package cmd provides common initialization functions for the nexus binary.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/nexus/pkg/persistence"
	"github.com/dukex/nexus/pkg/persistence/file"
	"github.com/dukex/nexus/pkg/persistence/postgresql"
	"github.com/dukex/nexus/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql", "redis", "rediss"}

// NewPersistence picks the snapshot store from the URL scheme. A URL without
// a scheme is treated as a file store directory. Every store is checked for
// reachability before it is returned.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, location := parsePersistenceProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "redis", "rediss":
		return redis.NewPersistence(ctx, logger, databaseURL)
	case "file":
		if location == "" {
			return nil, fmt.Errorf("file persistence requires a directory: %q", databaseURL)
		}

		store := file.NewPersistence(location)

		err := store.HealthCheck(ctx)
		if err != nil {
			return nil, fmt.Errorf("file persistence at %q is not usable: %w", location, err)
		}

		return store, nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider %q (supported: %s)",
			provider, strings.Join(supportedPersistenceProviders, ", "))
	}
}

func parsePersistenceProvider(databaseURL string) (string, string) {
	provider, location, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file", databaseURL
	}

	return provider, location
}
