package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/gobwas/glob"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/sail-build/sail/internal/buildgraph"
	"github.com/sail-build/sail/internal/cmdutil"
	"github.com/sail-build/sail/internal/config"
	"github.com/sail-build/sail/internal/filehash"
	"github.com/sail-build/sail/internal/fspath"
	"github.com/sail-build/sail/internal/graph"
	"github.com/sail-build/sail/internal/graphviz"
	"github.com/sail-build/sail/internal/profiler"
	"github.com/sail-build/sail/internal/runner"
	"github.com/sail-build/sail/internal/scheduler"
	"github.com/sail-build/sail/internal/sharedcache"
	"github.com/sail-build/sail/internal/task"
	"github.com/sail-build/sail/internal/ui"
	"github.com/sail-build/sail/internal/workerpool"
	"github.com/sail-build/sail/internal/workspace"
)

type runOptions struct {
	filter      string
	concurrency int
	noCache     bool
	force       bool
	bail        bool
	only        bool
	execute     bool
	dryRun      bool
	graph       bool
	summarize   bool
}

func newRunCommand(h *cmdutil.Helper) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <task> [<task>...]",
		Short: "Run one or more tasks across the workspace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(h, args, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.filter, "filter", "", "Restrict package selection with a glob")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "Max number of tasks to run at once (default: CPU count)")
	flags.BoolVar(&opts.noCache, "no-cache", false, "Skip the shared cache entirely")
	flags.BoolVar(&opts.force, "force", false, "Ignore the donefile and shared cache, but still populate them")
	flags.BoolVar(&opts.bail, "bail", false, "Hard-cancel in-flight tasks on first failure instead of draining")
	flags.BoolVar(&opts.only, "only", false, "Run only the named tasks, without their dependencies")
	flags.BoolVar(&opts.execute, "execute", false, "Actually run tasks; without this flag, run only reports what would run")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Alias for the default (no --execute) behavior: report what would run")
	flags.BoolVar(&opts.graph, "graph", false, "Print the task graph in Graphviz DOT format and exit")
	flags.BoolVar(&opts.summarize, "summarize", false, "Emit a machine-readable JSON run summary (also via SAIL_RUN_SUMMARY=1)")
	return cmd
}

func runRun(h *cmdutil.Helper, taskNames []string, opts runOptions) error {
	dryRun := opts.dryRun || !opts.execute
	base, err := h.GetCmdBase()
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	cfg := base.Config

	concurrency := cfg.Concurrency
	if opts.concurrency > 0 {
		concurrency = opts.concurrency
	}
	bail := cfg.BailOnFailure || opts.bail

	var filterGlob glob.Glob
	if opts.filter != "" {
		filterGlob, err = glob.Compile(opts.filter)
		if err != nil {
			return &exitError{code: 2, err: fmt.Errorf("invalid --filter pattern %q: %w", opts.filter, err)}
		}
	}

	accept := graph.AcceptAll
	if filterGlob != nil {
		accept = func(parent, dep *workspace.Package) bool {
			return filterGlob.Match(parent.Name)
		}
	}

	nodes, warnings, err := graph.Resolve(base.Catalog, accept)
	if err != nil {
		if depErr, ok := err.(*graph.DependencyError); ok {
			return &exitError{code: 3, err: depErr}
		}
		return &exitError{code: 4, err: err}
	}
	for _, w := range warnings {
		base.Logger.Warn(w.String())
	}

	var selectedPackages []string
	if filterGlob != nil {
		for name := range base.Catalog.Packages {
			if filterGlob.Match(name) {
				selectedPackages = append(selectedPackages, name)
			}
		}
	}

	bg, err := buildgraph.Build(base.Catalog, nodes, cfg.Tasks, buildgraph.Options{
		Packages:    selectedPackages,
		TaskNames:   taskNames,
		TasksOnly:   opts.only,
		Concurrency: concurrency,
	})
	if err != nil {
		return &exitError{code: 3, err: err}
	}

	if opts.graph {
		fmt.Fprint(os.Stdout, graphviz.Render(bg))
		return nil
	}

	sc := newSharedCache(cfg.SharedCache, base.RepoRoot, base.Logger)
	wp := workerpool.New(workerpool.Options{
		UseThreads:       cfg.Worker.UseThreads,
		MemoryLimitBytes: int64(cfg.Worker.MemoryLimitMb) << 20,
		MaxCount:         cfg.Worker.MaxCount,
		Logger:           base.Logger,
	})
	defer wp.Reset()

	bc := buildgraph.NewBuildContext(filehash.New(), sc, wp, base.Logger, readLockfileHash(base.RepoRoot))
	bc.NoCache = opts.noCache
	bc.Force = opts.force

	prof := profiler.New()
	for id, t := range bg.Tasks {
		prof.SetStrongDeps(id, t.StrongDeps)
	}

	var actualRun scheduler.RunFunc
	if dryRun {
		actualRun = dryRunFunc()
	} else {
		actualRun = runner.NewRunFunc(bg, nodes, bc)
	}

	// SIGINT initiates a drain: nothing new starts, in-flight tasks see
	// their context cancelled and report a cancellation failure.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	observer := &printingObserver{rec: profiler.NewRecordingObserver(prof)}
	wallStart := time.Now()
	summary, err := scheduler.Run(ctx, bg, nodes, actualRun, scheduler.Options{
		Concurrency:   concurrency,
		BailOnFailure: bail,
		Observer:      observer,
	})
	wallEnd := time.Now()
	if err != nil {
		return &exitError{code: 4, err: err}
	}

	printSummary(prof, wallStart, wallEnd, opts.summarize || os.Getenv("SAIL_RUN_SUMMARY") != "")

	if summary.Failed {
		return &exitError{code: 1, err: aggregateFailures(summary)}
	}
	return nil
}

// dryRunFunc reports what would run without executing any command or
// mutating any cache.
func dryRunFunc() scheduler.RunFunc {
	return func(ctx context.Context, t *task.Task) (task.State, error) {
		fmt.Printf("would run: %s%s\n", t.ID, describeCommand(t))
		return task.StateSuccess, nil
	}
}

func describeCommand(t *task.Task) string {
	if t.Kind == task.KindGroup || t.Command == "" {
		return ""
	}
	return fmt.Sprintf(" -> %s", t.Command)
}

func aggregateFailures(s *scheduler.Summary) error {
	var merr *multierror.Error
	for id, r := range s.Results {
		if r.State == task.StateFailed {
			merr = multierror.Append(merr, fmt.Errorf("%s: %v", id, r.Err))
		}
	}
	return merr.ErrorOrNil()
}

type printingObserver struct {
	rec *profiler.RecordingObserver
}

func (o *printingObserver) TaskStarted(t *task.Task) {
	o.rec.TaskStarted(t)
}

func (o *printingObserver) TaskFinished(t *task.Task, state task.State, err error, dur time.Duration) {
	o.rec.TaskFinished(t, state, err, dur)
	ui.PrintTaskLine(os.Stdout, symbolFor(state), t.ID, dur)
	if state == task.StateFailed && err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("  %s: %v", t.ID, err))
	}
}

func symbolFor(state task.State) ui.Symbol {
	switch state {
	case task.StateUpToDateLocal:
		return ui.SymbolDonefileHit
	case task.StateRestoredFromShared:
		return ui.SymbolSharedHit
	case task.StateSuccess:
		return ui.SymbolBuilt
	case task.StateFailed:
		return ui.SymbolFailed
	case task.StateSkipped:
		return ui.SymbolSkipped
	default:
		return ui.SymbolBuilt
	}
}

func printSummary(prof *profiler.Profiler, wallStart, wallEnd time.Time, jsonSummary bool) {
	summary := prof.Compute(wallStart, wallEnd)
	fmt.Fprint(os.Stdout, prof.PrintText(summary))

	if jsonSummary {
		b, err := prof.JSON()
		if err == nil {
			fmt.Fprintln(os.Stdout, string(b))
		}
	}
}

// newSharedCache constructs the shared-cache handle, or nil when disabled
// -- a nil Cache is handled explicitly by the runner package as "treat
// every lookup as a miss, skip every store".
func newSharedCache(cfg config.SharedCacheConfig, repoRoot fspath.AbsoluteSystemPath, logger hclog.Logger) *sharedcache.Cache {
	if !cfg.Enabled {
		return nil
	}
	raw := cfg.Directory
	if expanded, err := homedir.Expand(raw); err != nil {
		logger.Warn("could not expand ~ in sharedCache.directory, using it literally", "directory", raw, "error", err)
	} else {
		raw = expanded
	}
	dir := fspath.New(raw)
	if !filepathIsAbs(raw) {
		dir = repoRoot.Join(raw)
	}
	return sharedcache.New(dir, cfg.HighWaterMarkBytes, cfg.LowWaterMarkBytes, logger)
}

func filepathIsAbs(p string) bool {
	return len(p) > 0 && (p[0] == '/' || (len(p) > 1 && p[1] == ':'))
}

func readLockfileHash(repoRoot fspath.AbsoluteSystemPath) string {
	for _, name := range []string{"pnpm-lock.yaml", "yarn.lock", "package-lock.json"} {
		p := repoRoot.Join(name)
		if !p.FileExists() {
			continue
		}
		b, err := p.ReadFile()
		if err != nil {
			continue
		}
		return sha256Hex(b)
	}
	return ""
}
