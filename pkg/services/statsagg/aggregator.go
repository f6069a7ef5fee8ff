// Package statsagg aggregates system metrics into a rolling average and a
// short-term load prediction.
package statsagg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
)

const (
	ServiceName = "stats_aggregator"

	DefaultInterval   = 10 * time.Second
	DefaultMaxSamples = 10

	// HighLoadThreshold is the rolling average above which the aggregator
	// warns about sustained load.
	HighLoadThreshold = 80.0

	predictionWindow = 3
)

type Option func(*Aggregator)

func WithInterval(interval time.Duration) Option {
	return func(a *Aggregator) {
		if interval > 0 {
			a.interval = interval
		}
	}
}

func WithMaxSamples(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxSamples = n
		}
	}
}

// Aggregator keeps the most recent CPU samples seen on the bus.
type Aggregator struct {
	bus        *eventbus.Bus
	interval   time.Duration
	maxSamples int
	logger     *slog.Logger

	mu      sync.Mutex
	samples []float64
}

func New(bus *eventbus.Bus, logger *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		bus:        bus,
		interval:   DefaultInterval,
		maxSamples: DefaultMaxSamples,
		logger:     logger.With("module", ServiceName),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *Aggregator) Name() string {
	return ServiceName
}

// Start collects samples and publishes aggregates every interval until ctx
// is done.
func (a *Aggregator) Start(ctx context.Context) error {
	sub, err := a.bus.Subscribe(events.SystemMetricsEvent, a.handleMetrics)
	if err != nil {
		return err
	}
	defer a.bus.Unsubscribe(sub)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "Stats aggregator started", "interval", a.interval, "max_samples", a.maxSamples)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.publish(ctx)
		}
	}
}

func (a *Aggregator) Stop(_ context.Context) error {
	return nil
}

func (a *Aggregator) handleMetrics(_ context.Context, event events.Event) error {
	sample, ok := toFloat(event.Payload["cpu_percent"])
	if !ok {
		return errors.New("metrics event without numeric cpu_percent")
	}

	a.AddSample(sample)

	return nil
}

func (a *Aggregator) publish(ctx context.Context) {
	a.mu.Lock()
	count := len(a.samples)
	average := rollingAverage(a.samples)
	prediction := predict(a.samples)
	a.mu.Unlock()

	if average > HighLoadThreshold {
		a.logger.WarnContext(ctx, "Sustained high system load", "rolling_average", average)
	}

	err := a.bus.Publish(ctx, events.StatsAggregatedEvent, map[string]any{
		"rolling_average": average,
		"prediction":      prediction,
		"samples":         count,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "Failed to publish aggregated stats", "error", err)
	}
}

// AddSample appends a sample, dropping the oldest once the window is full.
func (a *Aggregator) AddSample(sample float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples = append(a.samples, sample)
	if len(a.samples) > a.maxSamples {
		a.samples = a.samples[len(a.samples)-a.maxSamples:]
	}
}

// RollingAverage is the mean of the current window, 0 when empty.
func (a *Aggregator) RollingAverage() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return rollingAverage(a.samples)
}

// Prediction is the mean of the last three samples, 0 when empty.
func (a *Aggregator) Prediction() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return predict(a.samples)
}

func (a *Aggregator) SnapshotState(_ context.Context) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	samples := make([]any, len(a.samples))
	for i, s := range a.samples {
		samples[i] = s
	}

	return map[string]any{"samples": samples}, nil
}

// RestoreSnapshotState replaces the window with the checkpointed samples,
// keeping the newest ones if the checkpoint holds more than fit.
func (a *Aggregator) RestoreSnapshotState(_ context.Context, state map[string]any) error {
	raw, ok := state["samples"]
	if !ok {
		return nil
	}

	list, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("samples: want list, got %T", raw)
	}

	samples := make([]float64, 0, len(list))

	for i, item := range list {
		sample, ok := toFloat(item)
		if !ok {
			return fmt.Errorf("samples[%d]: want number, got %T", i, item)
		}

		samples = append(samples, sample)
	}

	if len(samples) > a.maxSamples {
		samples = samples[len(samples)-a.maxSamples:]
	}

	a.mu.Lock()
	a.samples = samples
	a.mu.Unlock()

	return nil
}

func rollingAverage(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}

	return sum / float64(len(samples))
}

func predict(samples []float64) float64 {
	if len(samples) > predictionWindow {
		samples = samples[len(samples)-predictionWindow:]
	}

	return rollingAverage(samples)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
