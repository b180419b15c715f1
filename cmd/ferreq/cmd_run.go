package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nadmax/ferreq/internal/config"
	"github.com/nadmax/ferreq/internal/logging"
	"github.com/nadmax/ferreq/internal/pipeline"
	"github.com/nadmax/ferreq/internal/runner"
	"github.com/nadmax/ferreq/internal/selector"
	"github.com/nadmax/ferreq/internal/spectrum"
	"github.com/nadmax/ferreq/internal/task"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runFlags struct {
	grids     []string
	penalties string
	format    string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <bundle.yaml>",
		Short: "Run a bundle and its retry bundles to completion",
		Long: "Runs the tasks of a bundle definition with the local solver and the configured store.\n" +
			"With --grid, the tasks run once per grid header, replacing solver.header_path, and the\n" +
			"best result per input spectrum is printed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBundle(cmd, g, flags, args[0])
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&flags.grids, "grid", nil, "grid header path to run against (repeatable)")
	f.StringVar(&flags.penalties, "penalties", "", "penalty table YAML used with --grid (default: built-in table)")
	f.StringVar(&flags.format, "format", "yaml", "selection output format used with --grid: yaml or json")
	return cmd
}

func runBundle(cmd *cobra.Command, g *globalFlags, flags runFlags, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read bundle definition: %w", err)
	}
	spec, err := task.ParseBundleSpec(data)
	if err != nil {
		return err
	}

	cfg, err := config.Load(g.config)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	p, err := pipeline.New(pipeline.Options{
		ParentDir:          cfg.Solver.ParentDir,
		MaxDepth:           cfg.Solver.MaxDepth,
		WorkerID:           "cli",
		TimeoutPerSpectrum: cfg.Solver.TimeoutPerSpectrum,
		TimeoutFloor:       cfg.Solver.TimeoutFloor,
		Executor:           runner.New(cfg.Solver.Executable, logger, cfg.Solver.Args...),
		Store:              store,
		Continuum:          spectrum.NewContinuumRegistry(),
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	if len(flags.grids) > 0 {
		return runAcrossGrids(ctx, cmd.OutOrStdout(), p, spec, flags, cfg.Solver.GridParallelism)
	}

	tasks, err := spec.NewTasks()
	if err != nil {
		return err
	}
	b, err := p.Submit(ctx, tasks)
	if err != nil {
		return err
	}
	report, err := p.Run(ctx, b)
	if report != nil {
		printReport(cmd.OutOrStdout(), b, report)
	}
	return err
}

func runAcrossGrids(ctx context.Context, out io.Writer, p *pipeline.Pipeline, spec *task.BundleSpec, flags runFlags, parallel int) error {
	table, err := loadPenalties(flags.penalties)
	if err != nil {
		return err
	}

	runs := make([]pipeline.GridRun, 0, len(flags.grids))
	for _, header := range flags.grids {
		gridSpec := *spec
		gridSpec.Solver.HeaderPath = header
		tasks, err := gridSpec.NewTasks()
		if err != nil {
			return err
		}
		runs = append(runs, pipeline.GridRun{HeaderPath: header, Tasks: tasks})
	}

	reports, err := p.RunGrids(ctx, runs, parallel)
	if err != nil {
		return err
	}

	var candidates []selector.Candidate
	for _, r := range reports {
		if r.Err != nil {
			fmt.Fprintf(out, "# %s: %v\n", r.HeaderPath, r.Err)
		}
		for _, prod := range r.Products() {
			cs, err := selector.FromProduct(prod)
			if err != nil {
				continue
			}
			candidates = append(candidates, cs...)
		}
	}
	return writeSelections(out, flags.format, table.SelectAll(candidates))
}

func printReport(out io.Writer, b *task.Bundle, report *pipeline.Report) {
	fmt.Fprintf(out, "Bundle:    %s\n", b.ID)
	fmt.Fprintf(out, "Levels:    %d\n", len(report.Bundles))
	for _, o := range report.Bundles {
		fmt.Fprintf(out, "  level %d: %s, %d rows, %d succeeded, %d failed, %d rejected\n",
			o.Bundle.RecursionLevel, o.State, o.Rows, len(o.Succeeded), len(o.Failed), len(o.Rejected))
	}
	fmt.Fprintf(out, "Succeeded: %d\n", len(report.Succeeded))
	fmt.Fprintf(out, "Failed:    %d\n", len(report.Failed))
	for _, id := range report.Failed {
		fmt.Fprintf(out, "  %s\n", id)
	}
	if report.Exhausted {
		fmt.Fprintln(out, "Retries exhausted.")
	}
}
