// Package main provides the nexus supervisory core binary.
package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"
)

func main() {
	err := newCommand().Run(context.Background(), os.Args)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:                  "nexus",
		Usage:                 "Supervise services, run workflows and checkpoint system state",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:    "run",
				Aliases: []string{"r"},
				Usage:   "Start the supervisory core",
				Flags:   runFlags(),
				Action:  run,
			},
			{
				Name:    "validate",
				Aliases: []string{"v"},
				Usage:   "Validate workflow documents against the built-in bindings",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "workflows-dir",
						Usage:    "Directory containing workflow documents",
						Required: true,
						Sources:  cli.EnvVars("WORKFLOWS_DIR"),
					},
					&cli.BoolFlag{
						Name:    "enable-stats-aggregator",
						Usage:   "Check against the stats.summary binding, as run does with the stats aggregator enabled",
						Value:   true,
						Sources: cli.EnvVars("ENABLE_STATS_AGGREGATOR"),
					},
					&cli.StringFlag{
						Name:    "log-level",
						Usage:   "Log level (debug, info, warn, error)",
						Value:   "warn",
						Sources: cli.EnvVars("LOG_LEVEL"),
					},
				},
				Action: validate,
			},
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Snapshot store URL (file://<dir>, postgres://..., redis://...)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "workflows-dir",
			Usage:   "Directory containing workflow documents",
			Value:   "./workflows",
			Sources: cli.EnvVars("WORKFLOWS_DIR"),
		},
		&cli.StringFlag{
			Name:    "event-bridge",
			Usage:   "External broker for bus events (none, gochannel, kafka)",
			Value:   "none",
			Sources: cli.EnvVars("EVENT_BRIDGE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers used by the kafka event bridge",
			Value:   []string{"localhost:9092"},
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "node-id",
			Usage:   "Node identifier, also the Kafka consumer group (auto-generated if not provided)",
			Value:   "",
			Sources: cli.EnvVars("NODE_ID"),
		},
		&cli.StringFlag{
			Name:    "snapshot-schedule",
			Usage:   "Cron schedule for periodic snapshots, empty to disable",
			Value:   "@every 5m",
			Sources: cli.EnvVars("SNAPSHOT_SCHEDULE"),
		},
		&cli.DurationFlag{
			Name:    "snapshot-window",
			Usage:   "How long a snapshot waits for services to report state",
			Value:   2 * time.Second,
			Sources: cli.EnvVars("SNAPSHOT_WINDOW"),
		},
		&cli.IntFlag{
			Name:    "max-recovery-attempts",
			Usage:   "Recovery attempts per service before it stays failed",
			Value:   1,
			Sources: cli.EnvVars("MAX_RECOVERY_ATTEMPTS"),
		},
		&cli.DurationFlag{
			Name:    "recovery-backoff",
			Usage:   "Initial delay between recovery attempts, doubled on each retry",
			Value:   0,
			Sources: cli.EnvVars("RECOVERY_BACKOFF"),
		},
		&cli.DurationFlag{
			Name:    "stop-grace-period",
			Usage:   "How long shutdown waits for services to stop",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("STOP_GRACE_PERIOD"),
		},
		&cli.DurationFlag{
			Name:    "health-interval",
			Usage:   "Interval between service health checks",
			Value:   5 * time.Second,
			Sources: cli.EnvVars("HEALTH_INTERVAL"),
		},
		&cli.BoolFlag{
			Name:    "alignment-gate",
			Usage:   "Reject workflows that do not declare every principle",
			Value:   false,
			Sources: cli.EnvVars("ALIGNMENT_GATE"),
		},
		&cli.BoolFlag{
			Name:    "autopilot",
			Usage:   "Trigger every loaded workflow once after startup",
			Value:   false,
			Sources: cli.EnvVars("AUTOPILOT"),
		},
		&cli.BoolFlag{
			Name:    "enable-system-monitor",
			Usage:   "Run the system monitor service",
			Value:   true,
			Sources: cli.EnvVars("ENABLE_SYSTEM_MONITOR"),
		},
		&cli.DurationFlag{
			Name:    "system-monitor-interval",
			Usage:   "Interval between system metric samples",
			Value:   5 * time.Second,
			Sources: cli.EnvVars("SYSTEM_MONITOR_INTERVAL"),
		},
		&cli.FloatFlag{
			Name:    "resource-optimization-target",
			Usage:   "Target for the Resource Optimization goal, 0 to leave it unset",
			Value:   0,
			Sources: cli.EnvVars("RESOURCE_OPTIMIZATION_TARGET"),
		},
		&cli.BoolFlag{
			Name:    "enable-stats-aggregator",
			Usage:   "Run the stats aggregator service",
			Value:   true,
			Sources: cli.EnvVars("ENABLE_STATS_AGGREGATOR"),
		},
		&cli.DurationFlag{
			Name:    "stats-aggregation-interval",
			Usage:   "Interval between aggregated stats publications",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("STATS_AGGREGATION_INTERVAL"),
		},
		&cli.IntFlag{
			Name:    "api-port",
			Usage:   "Admin API port, 0 to disable",
			Value:   9091,
			Sources: cli.EnvVars("API_PORT"),
		},
		&cli.BoolFlag{
			Name:    "otel",
			Usage:   "Export traces over OTLP/HTTP",
			Value:   false,
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}
