// cmd/lattice-batch/main.go
//
// This is the entry point for the lattice-batch CLI.
//
// Subcommands:
//   run       execute a batch definition
//   validate  build the graph and print groups without running anything
//   report    print a persisted report
//   init      create the .lattice directory and default config

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/lattice-batch/internal/batch"
	"github.com/kingrea/lattice-batch/internal/config"
	"github.com/kingrea/lattice-batch/internal/engine"
	"github.com/kingrea/lattice-batch/internal/executor"
	"github.com/kingrea/lattice-batch/internal/logbook"
	"github.com/kingrea/lattice-batch/internal/logging"
	"github.com/kingrea/lattice-batch/internal/monitor"
	"github.com/kingrea/lattice-batch/internal/reportserver"
	"github.com/kingrea/lattice-batch/internal/tui"
)

const usage = `usage: lattice-batch <command> [flags]

commands:
  run [-project dir] [-watch] [-serve] [-max-concurrency n] [-executor kind] [-verbose] <batch>
  validate [-project dir] <batch>
  report [-project dir] [-run id] [-json] [-list]
  init [-project dir]
`

// Exit codes: 0 every item completed, 1 usage or input error, 2 the batch
// ran but some items did not complete.
const exitIncomplete = 2

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		os.Exit(runCommand(args))
	case "validate":
		validateCommand(args)
	case "report":
		reportCommand(args)
	case "init":
		initCommand(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		die("unknown command %q", os.Args[1])
	}
}

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	projectDir := fs.String("project", "", "path to the project directory (defaults to cwd)")
	watch := fs.Bool("watch", false, "show a live progress view")
	serve := fs.Bool("serve", false, "serve the live report over HTTP regardless of config")
	maxConcurrency := fs.Int("max-concurrency", 0, "override max_concurrency for this run")
	defaultKind := fs.String("executor", "", "executor kind for items that do not name one")
	verbose := fs.Bool("verbose", false, "mirror the operational log to stderr")
	fs.Parse(args)
	if fs.NArg() != 1 {
		die("run: exactly one batch definition is required")
	}

	cfg := loadConfig(*projectDir)
	logger, err := logging.New(cfg.ProjectDir)
	if err != nil {
		die("open log: %v", err)
	}
	defer logger.Close()
	if *verbose && !*watch {
		logger.Mirror(os.Stderr)
	}
	journal, err := logbook.New(cfg.JournalPath())
	if err != nil {
		die("open journal: %v", err)
	}

	def := loadDefinition(cfg, fs.Arg(0))
	engCfg := engine.ConfigFromRuntime(cfg.Runtime())
	if *maxConcurrency > 0 {
		engCfg.MaxConcurrency = *maxConcurrency
	}
	eng, err := engine.New(engCfg, newDispatcher(*defaultKind, logger),
		engine.WithLogger(logger),
		engine.WithJournal(journal),
		engine.WithReportStore(engine.NewRepository(cfg.ReportsDir())))
	if err != nil {
		die("engine: %v", err)
	}
	run, err := eng.Prepare(def)
	if err != nil {
		die("prepare %s: %v", def.ID, err)
	}
	for _, conflict := range run.Conflicts {
		fmt.Fprintf(os.Stderr, "warning: %s\n", conflict.String())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	settings, err := reportserver.ResolveSettings(cfg, *serve)
	if err != nil {
		die("report server: %v", err)
	}
	if settings.Enabled {
		if !settings.Loopback() {
			fmt.Fprintf(os.Stderr, "warning: report server on %s is reachable from other hosts\n", settings.Host)
		}
		srv := reportserver.NewServer(settings,
			reportserver.WithSource(run.Monitor()),
			reportserver.WithLogger(logger))
		if err := srv.Start(ctx); err != nil {
			die("report server: %v", err)
		}
		defer func() {
			shutdownCtx, release := context.WithTimeout(context.Background(), 2*time.Second)
			defer release()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(os.Stderr, "report: %s/report\n", srv.BaseURL())
	}

	report, err := execute(ctx, cancel, run, journal, *watch)
	fmt.Println(tui.RenderReport(report, 0))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "batch cancelled")
			return exitIncomplete
		}
		fmt.Fprintf(os.Stderr, "run %s: %v\n", run.ID, err)
		return 1
	}
	if !report.Succeeded() {
		return exitIncomplete
	}
	return 0
}

type runResult struct {
	report monitor.ExecutionReport
	err    error
}

func execute(ctx context.Context, cancel context.CancelFunc, run *engine.Run, journal *logbook.Logbook, watch bool) (monitor.ExecutionReport, error) {
	if !watch {
		return run.Execute(ctx)
	}
	done := make(chan struct{})
	results := make(chan runResult, 1)
	go func() {
		report, err := run.Execute(ctx)
		results <- runResult{report: report, err: err}
		close(done)
	}()
	model := tui.NewWatchModel(run.Monitor(),
		tui.WithDone(done),
		tui.WithCancel(cancel),
		tui.WithJournal(journal))
	if err := tui.Watch(model, tea.WithAltScreen()); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
	}
	result := <-results
	return result.report, result.err
}

func validateCommand(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	projectDir := fs.String("project", "", "path to the project directory (defaults to cwd)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		die("validate: exactly one batch definition is required")
	}
	cfg := loadConfig(*projectDir)
	def := loadDefinition(cfg, fs.Arg(0))
	eng, err := engine.New(engine.ConfigFromRuntime(cfg.Runtime()), newDispatcher("", nil))
	if err != nil {
		die("engine: %v", err)
	}
	run, err := eng.Prepare(def)
	if err != nil {
		die("invalid batch %s: %v", def.ID, err)
	}
	fmt.Printf("batch %s: %d items in %d groups\n", run.Definition.ID, run.Graph.Len(), len(run.Groups))
	for _, group := range run.Groups {
		fmt.Printf("  group %d: %s\n", group.Index, strings.Join(group.IDs(), ", "))
	}
	for _, conflict := range run.Conflicts {
		fmt.Printf("  warning: %s\n", conflict.String())
	}
}

func reportCommand(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	projectDir := fs.String("project", "", "path to the project directory (defaults to cwd)")
	runID := fs.String("run", "", "run id to show (defaults to the latest run)")
	asJSON := fs.Bool("json", false, "print the raw JSON report")
	list := fs.Bool("list", false, "list persisted run ids")
	fs.Parse(args)

	cfg := loadConfig(*projectDir)
	repo := engine.NewRepository(cfg.ReportsDir())
	if *list {
		ids, err := repo.RunIDs()
		if err != nil {
			die("list reports: %v", err)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return
	}
	var (
		report monitor.ExecutionReport
		err    error
	)
	if id := strings.TrimSpace(*runID); id != "" {
		report, err = repo.Load(id)
	} else {
		report, err = repo.Latest()
	}
	if err != nil {
		die("load report: %v", err)
	}
	if *asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			die("encode report: %v", err)
		}
		return
	}
	fmt.Println(tui.RenderReport(report, 0))
}

func initCommand(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	projectDir := fs.String("project", "", "path to the project directory (defaults to cwd)")
	fs.Parse(args)
	project := resolveProject(*projectDir)
	if err := config.InitLatticeDir(project); err != nil {
		die("init .lattice: %v", err)
	}
	fmt.Printf("initialized %s\n", filepath.Join(project, config.LatticeDir))
}

func newDispatcher(defaultKind string, logger executor.Logger) *executor.Dispatcher {
	registry := executor.NewRegistry()
	executor.RegisterBuiltins(registry)
	dispatcher, err := executor.NewDispatcher(registry,
		executor.WithDefaultKind(strings.ToLower(strings.TrimSpace(defaultKind))),
		executor.WithLogger(logger))
	if err != nil {
		die("executor: %v", err)
	}
	return dispatcher
}

func resolveProject(projectDir string) string {
	project := projectDir
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	absoluteProject, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}
	return absoluteProject
}

func loadConfig(projectDir string) *config.Config {
	project := resolveProject(projectDir)
	if err := config.InitLatticeDir(project); err != nil {
		die("init .lattice: %v", err)
	}
	cfg, err := config.NewConfig(project)
	if err != nil {
		die("load config: %v", err)
	}
	return cfg
}

// loadDefinition treats ref as a path when it exists, otherwise as a name
// under the configured batches directory.
func loadDefinition(cfg *config.Config, ref string) batch.Definition {
	var (
		def batch.Definition
		err error
	)
	if _, statErr := os.Stat(ref); statErr == nil {
		def, err = batch.LoadDefinitionFile(ref)
	} else {
		name := ref
		if filepath.Ext(name) == "" {
			name += ".yaml"
		}
		def, err = batch.LoadDefinitionRelative(cfg.BatchesDir(), name)
	}
	if err != nil {
		die("load batch: %v", err)
	}
	return def
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
