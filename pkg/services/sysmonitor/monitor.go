// Package sysmonitor publishes host resource usage on the event bus.
package sysmonitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
	"github.com/dukex/nexus/pkg/goals"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

const (
	ServiceName     = "system_monitor"
	DefaultInterval = 5 * time.Second
)

// Metrics is one sample of host resource usage.
type Metrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_usage"`
	BytesSent     uint64  `json:"bytes_sent"`
	BytesRecv     uint64  `json:"bytes_recv"`
	PacketsSent   uint64  `json:"packets_sent"`
	PacketsRecv   uint64  `json:"packets_recv"`
}

func (m Metrics) payload() map[string]any {
	return map[string]any{
		"cpu_percent":    m.CPUPercent,
		"memory_percent": m.MemoryPercent,
		"disk_usage":     m.DiskPercent,
		"bytes_sent":     m.BytesSent,
		"bytes_recv":     m.BytesRecv,
		"packets_sent":   m.PacketsSent,
		"packets_recv":   m.PacketsRecv,
	}
}

// Collector takes one sample.
type Collector func(ctx context.Context) (Metrics, error)

// GoalUpdater receives the CPU measurement for the resource optimization goal.
type GoalUpdater interface {
	UpdateGoal(ctx context.Context, name string, current float64) error
}

type Option func(*Monitor)

func WithInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

func WithCollector(collect Collector) Option {
	return func(m *Monitor) {
		m.collect = collect
	}
}

func WithGoalUpdater(updater GoalUpdater) Option {
	return func(m *Monitor) {
		m.goals = updater
	}
}

type Monitor struct {
	bus      *eventbus.Bus
	interval time.Duration
	collect  Collector
	goals    GoalUpdater
	logger   *slog.Logger

	mu        sync.Mutex
	last      *Metrics
	published int
}

func New(bus *eventbus.Bus, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		bus:      bus,
		interval: DefaultInterval,
		collect:  CollectHost,
		logger:   logger.With("module", ServiceName),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Monitor) Name() string {
	return ServiceName
}

// Start publishes a sample every interval until ctx is done. A failed sample
// is logged and skipped.
func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "System monitor started", "interval", m.interval)

	for {
		m.tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) Stop(_ context.Context) error {
	return nil
}

func (m *Monitor) tick(ctx context.Context) {
	metrics, err := m.collect(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to collect system metrics", "error", err)

		return
	}

	if m.goals != nil {
		err = m.goals.UpdateGoal(ctx, goals.ResourceOptimization, metrics.CPUPercent)
		if err != nil {
			m.logger.DebugContext(ctx, "Resource goal not updated", "error", err)
		}
	}

	err = m.bus.Publish(ctx, events.SystemMetricsEvent, metrics.payload())
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish system metrics", "error", err)

		return
	}

	m.mu.Lock()
	m.last = &metrics
	m.published++
	m.mu.Unlock()
}

// SnapshotState reports the latest sample. It doubles as the health check.
func (m *Monitor) SnapshotState(_ context.Context) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := map[string]any{"published": m.published}
	if m.last != nil {
		state["last"] = m.last.payload()
	}

	return state, nil
}

// CollectHost samples the local machine with gopsutil. Network counters are
// best effort.
func CollectHost(ctx context.Context) (Metrics, error) {
	var metrics Metrics

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return metrics, fmt.Errorf("cpu: %w", err)
	}

	if len(percents) == 0 {
		return metrics, errors.New("cpu: no sample")
	}

	metrics.CPUPercent = percents[0]

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return metrics, fmt.Errorf("memory: %w", err)
	}

	metrics.MemoryPercent = vm.UsedPercent

	usage, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return metrics, fmt.Errorf("disk: %w", err)
	}

	metrics.DiskPercent = usage.UsedPercent

	counters, err := net.IOCountersWithContext(ctx, false)
	if err == nil && len(counters) > 0 {
		metrics.BytesSent = counters[0].BytesSent
		metrics.BytesRecv = counters[0].BytesRecv
		metrics.PacketsSent = counters[0].PacketsSent
		metrics.PacketsRecv = counters[0].PacketsRecv
	}

	return metrics, nil
}
