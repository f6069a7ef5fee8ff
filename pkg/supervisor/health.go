package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/nexus/pkg/models"
)

// Watch checks running services every health interval until ctx is done. A
// service implementing Snapshotter is checked through SnapshotState; a check
// error fails the service and sends it through bounded recovery.
func (s *Supervisor) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "Health watch started", "interval", s.healthInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Health watch stopped")

			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

func (s *Supervisor) checkHealth(ctx context.Context) {
	for _, record := range s.Records() {
		if record.State != models.ServiceStateRunning {
			continue
		}

		service, err := s.registry.Lookup(record.Name)
		if err != nil {
			continue
		}

		snapshotter, ok := service.(Snapshotter)
		if !ok {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, s.healthInterval)
		_, err = snapshotter.SnapshotState(checkCtx)
		cancel()

		if err != nil {
			s.logger.WarnContext(ctx, "Health check failed", "service", record.Name, "error", err)
			s.fail(record.Name, fmt.Errorf("health check: %w", err))
		}
	}
}
