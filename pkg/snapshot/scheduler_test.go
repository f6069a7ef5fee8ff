package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/nexus/pkg/mocks"
	"github.com/dukex/nexus/pkg/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler_RejectsInvalidSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := snapshot.NewScheduler(h.manager(&mocks.MockPersistence{}, time.Second), "every now and then", h.logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid snapshot schedule")
}

func TestScheduler_TakesSnapshotsUntilCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stateService{name: "svc1", state: map[string]any{"x": 1}})

	saved := make(chan struct{}, 8)

	store := &mocks.MockPersistence{}
	store.On("SaveGlobalSnapshot", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		select {
		case saved <- struct{}{}:
		default:
		}
	})

	scheduler, err := snapshot.NewScheduler(h.manager(store, 100*time.Millisecond), "@every 1s", h.logger)
	require.NoError(t, err)
	assert.Equal(t, snapshot.SchedulerServiceName, scheduler.Name())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- scheduler.Start(ctx) }()

	select {
	case <-saved:
	case <-time.After(3 * time.Second):
		t.Fatal("no scheduled snapshot was taken")
	}

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
