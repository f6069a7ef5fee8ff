package main

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/nexus/pkg/cmd"
	"github.com/dukex/nexus/pkg/eventbus"
	"github.com/dukex/nexus/pkg/goals"
	"github.com/dukex/nexus/pkg/log"
	"github.com/dukex/nexus/pkg/services/statsagg"
	"github.com/dukex/nexus/pkg/services/sysmonitor"
	"github.com/dukex/nexus/pkg/snapshot"
	"github.com/dukex/nexus/pkg/supervisor"
	"github.com/dukex/nexus/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

// validate loads every document in the workflows directory against the
// bindings a running node would expose and reports each result. Nothing is
// executed.
func validate(_ context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("nexus-validate")
	bus := eventbus.New(logger)

	bindings := workflow.NewBindings()

	components := cmd.Components{
		Goals:     goals.NewTracker(bus, logger),
		Snapshots: snapshot.NewManager(bus, nil, supervisor.NewRegistry(), logger),
		Monitor:   sysmonitor.CollectHost,
	}

	// Same component set as run, so a document valid here loads there.
	if command.Bool("enable-stats-aggregator") {
		components.Stats = statsagg.New(bus, logger)
	}

	err := cmd.RegisterBindings(bindings, components)
	if err != nil {
		return err
	}

	evaluator, err := workflow.NewEvaluator()
	if err != nil {
		return err
	}

	loader := workflow.NewLoader(bindings, evaluator, logger)

	loaded, err := loader.LoadDir(command.String("workflows-dir"))
	if loaded == nil && err != nil {
		return cli.Exit(err.Error(), 2)
	}

	for _, name := range slices.Sorted(maps.Keys(loaded)) {
		fmt.Printf("ok      %s (%s, %d steps)\n", name, loaded[name].Source, len(loaded[name].Steps))
	}

	rejected := unwrapJoined(err)
	for _, docErr := range rejected {
		fmt.Printf("invalid %s\n", docErr)
	}

	if len(rejected) > 0 {
		return cli.Exit(fmt.Sprintf("%d workflow document(s) rejected", len(rejected)), 1)
	}

	return nil
}
