package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/nexus/pkg/cmd"
	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/events"
	"github.com/dukex/nexus/pkg/goals"
	"github.com/dukex/nexus/pkg/log"
	"github.com/dukex/nexus/pkg/metrics"
	"github.com/dukex/nexus/pkg/otelhelper"
	"github.com/dukex/nexus/pkg/services/statsagg"
	"github.com/dukex/nexus/pkg/services/sysmonitor"
	"github.com/dukex/nexus/pkg/snapshot"
	"github.com/dukex/nexus/pkg/supervisor"
	"github.com/dukex/nexus/pkg/web"
	"github.com/dukex/nexus/pkg/workflow"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

// bridgedEvents are mirrored to the external broker when a bridge is configured.
var bridgedEvents = []events.EventType{
	events.ServiceFailedEvent,
	events.ServiceRecoveredEvent,
	events.WorkflowRunCompletedEvent,
	events.WorkflowRunFailedEvent,
	events.SnapshotCommittedEvent,
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	nodeID := command.String("node-id")
	if nodeID == "" {
		nodeID = "nexus-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("nexus").With("nodeId", nodeID)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "Initializing Nexus")

	var tracerOpts []workflow.Option

	var snapshotOpts []snapshot.Option

	if command.Bool("otel") {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, "nexus")
		if err != nil {
			return err
		}

		defer func() {
			err := shutdown(context.WithoutCancel(ctx))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to shut down tracer", "error", err)
			}
		}()

		tracerOpts = append(tracerOpts, workflow.WithTracer(tracer))
		snapshotOpts = append(snapshotOpts, snapshot.WithTracer(tracer))
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := store.Close(context.WithoutCancel(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bus := eventbus.New(logger)

	promRegistry := prometheus.NewRegistry()

	collector, err := metrics.New(promRegistry)
	if err != nil {
		return err
	}

	err = collector.Attach(bus)
	if err != nil {
		return err
	}
	defer collector.Detach(bus)

	registry := supervisor.NewRegistry()
	tracker := goals.NewTracker(bus, logger)

	if target := command.Float("resource-optimization-target"); target > 0 {
		err = tracker.SetGoal(goals.ResourceOptimization, target)
		if err != nil {
			return err
		}
	}

	bindings := workflow.NewBindings()

	orchestratorOpts := tracerOpts
	if command.Bool("alignment-gate") {
		orchestratorOpts = append(orchestratorOpts, workflow.WithAlignmentGate(goals.NewPrinciplesGate()))
	}

	orchestrator, err := workflow.New(bus, bindings, logger, orchestratorOpts...)
	if err != nil {
		return err
	}

	manager := snapshot.NewManager(bus, store, registry, logger,
		append(snapshotOpts, snapshot.WithCollectionWindow(command.Duration("snapshot-window")))...)

	components := cmd.Components{
		Goals:     tracker,
		Snapshots: manager,
		Monitor:   sysmonitor.CollectHost,
	}

	services := []supervisor.Service{orchestrator}

	if schedule := command.String("snapshot-schedule"); schedule != "" {
		scheduler, err := snapshot.NewScheduler(manager, schedule, logger)
		if err != nil {
			return err
		}

		services = append(services, scheduler)
	}

	if command.Bool("enable-system-monitor") {
		services = append(services, sysmonitor.New(bus, logger,
			sysmonitor.WithInterval(command.Duration("system-monitor-interval")),
			sysmonitor.WithGoalUpdater(tracker),
		))
	}

	if command.Bool("enable-stats-aggregator") {
		stats := statsagg.New(bus, logger, statsagg.WithInterval(command.Duration("stats-aggregation-interval")))
		components.Stats = stats
		services = append(services, stats)
	}

	for _, service := range services {
		err = registry.Register(service)
		if err != nil {
			return err
		}
	}

	err = cmd.RegisterBindings(bindings, components)
	if err != nil {
		return err
	}

	loaded, err := orchestrator.Load(command.String("workflows-dir"))
	if loaded == nil && err != nil {
		return err
	}

	for _, docErr := range unwrapJoined(err) {
		logger.WarnContext(ctx, "Workflow document rejected", "error", docErr)
	}

	responder := snapshot.NewResponder(bus, registry, logger)

	err = responder.Attach()
	if err != nil {
		return err
	}
	defer responder.Detach()

	bridge, err := cmd.NewBridge(command.String("event-bridge"), bus, logger,
		command.StringSlice("kafka-brokers"), nodeID)
	if err != nil {
		return err
	}

	if bridge != nil {
		defer func() {
			err := bridge.Close()
			if err != nil {
				logger.ErrorContext(ctx, "Failed to close event bridge", "error", err)
			}
		}()

		err = startBridge(ctx, bridge, orchestrator)
		if err != nil {
			return err
		}
	}

	sup := supervisor.New(registry, bus, logger,
		supervisor.WithRetryPolicy(supervisor.RetryPolicy{
			MaxAttempts: command.Int("max-recovery-attempts"),
			Backoff:     command.Duration("recovery-backoff"),
		}),
		supervisor.WithGracePeriod(command.Duration("stop-grace-period")),
		supervisor.WithHealthInterval(command.Duration("health-interval")),
	)

	restoreState(ctx, manager, logger)

	err = sup.StartAll(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to start services", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sup.Watch(gctx)

		return nil
	})

	if port := command.Int("api-port"); port > 0 {
		server := web.NewServer(logger, sup, orchestrator, manager, tracker, promRegistry, store.HealthCheck)

		g.Go(func() error {
			return server.Start(gctx, port)
		})
	}

	if command.Bool("autopilot") {
		for name := range loaded {
			err := orchestrator.Enqueue(ctx, events.NewEvent(events.WorkflowTrigger(name), nil))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to queue workflow", "workflow", name, "error", err)
			}
		}
	}

	logger.InfoContext(ctx, "Nexus running", "services", registry.Names(), "workflows", len(loaded))

	<-gctx.Done()

	logger.InfoContext(ctx, "Shutting down")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), command.Duration("stop-grace-period")+time.Second)
	defer cancel()

	report := sup.StopAll(stopCtx)

	err = g.Wait()
	if err != nil {
		logger.ErrorContext(ctx, "API server stopped with error", "error", err)
	}

	return report.Err()
}

// startBridge mirrors lifecycle events to the broker and feeds routable
// broker events into the orchestrator queue.
func startBridge(ctx context.Context, bridge *eventbus.Bridge, orchestrator *workflow.Orchestrator) error {
	err := bridge.Forward(bridgedEvents...)
	if err != nil {
		return err
	}

	return bridge.Consume(ctx, func(ctx context.Context, event events.Event) error {
		if _, ok := event.Type.WorkflowName(); !ok && !event.Type.IsCore() {
			return nil
		}

		return orchestrator.Enqueue(ctx, event)
	})
}

func restoreState(ctx context.Context, manager *snapshot.Manager, logger *slog.Logger) {
	snap, err := manager.RestoreLatest(ctx)

	switch {
	case err != nil:
		logger.ErrorContext(ctx, "Failed to restore latest snapshot, starting fresh", "error", err)
	case snap == nil:
		logger.InfoContext(ctx, "No snapshot to restore, starting fresh")
	default:
		logger.InfoContext(ctx, "Restored snapshot", "snapshot_id", snap.ID, "services", len(snap.Services))
	}
}

// unwrapJoined splits an errors.Join result into its parts.
func unwrapJoined(err error) []error {
	if err == nil {
		return nil
	}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}

	return []error{err}
}
