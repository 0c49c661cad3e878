package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"

	"github.com/gluk-w/simfleet/internal/build"
	"github.com/gluk-w/simfleet/internal/catalog"
	"github.com/gluk-w/simfleet/internal/config"
	"github.com/gluk-w/simfleet/internal/dispatch"
	"github.com/gluk-w/simfleet/internal/logging"
	"github.com/gluk-w/simfleet/internal/runner"
)

// cleanupTimeout bounds the end-of-run cleanup, which runs even after the
// run context was cancelled.
const cleanupTimeout = 2 * time.Minute

// RunOptions holds flags for the simulate and trace commands
type RunOptions struct {
	Benchmark    string // Category, set name or SPEC_ALL
	Name         string // Result name (default: "<L1D>-<L2C>" from the config)
	Config       string // ChampSim JSON configuration
	Clean        bool   // make clean before building
	Run          bool   // Skip configure and build, reuse the existing binary
	Host         string // Run on this host only
	MaxCPU       int    // Concurrent job cap (single host: its capacity)
	HostsFile    string
	CatalogFile  string
	ResultsDir   string
	Yes          bool // Skip the confirmation prompt
	Strict       bool // Exit non-zero when any job failed
	Warmup       uint64
	Instructions uint64
}

// Validate checks RunOptions for validity
func (opts RunOptions) Validate() error {
	if opts.Benchmark == "" {
		return fmt.Errorf("--benchmark is required")
	}
	if opts.MaxCPU < 0 {
		return fmt.Errorf("--max-cpu must not be negative, got %d", opts.MaxCPU)
	}
	if opts.Name != "" {
		if err := build.ValidateResultName(opts.Name); err != nil {
			return fmt.Errorf("--name: %w", err)
		}
	}
	return nil
}

// NewSimulateCmd creates the simulate command
func NewSimulateCmd(app *App) *cobra.Command {
	return newRunCmd(app, runner.Simulate,
		"Build ChampSim and simulate benchmark traces across the cluster",
		`Simulate configures and builds ChampSim, stages the binary on every host and
runs one simulation per trace of the selected benchmarks. Each simulation's
output is saved to <results>/<name>/<category>/<trace>.txt.

Examples:
  simfleet simulate -b SPEC_2017
  simfleet simulate -b perlbench --run --name baseline
  simfleet simulate -b SPEC_ALL --host node02 --max-cpu 4`)
}

// NewTraceCmd creates the trace command
func NewTraceCmd(app *App) *cobra.Command {
	return newRunCmd(app, runner.Trace,
		"Generate branch traces for benchmark traces across the cluster",
		`Trace runs the branch-trace build of ChampSim on every selected trace and
retrieves the compressed branch trace and its counts file into
<results>/branch_traces/<category>/.

Examples:
  simfleet trace -b SPEC_2017 --run`)
}

func newRunCmd(app *App, profile, short, long string) *cobra.Command {
	var opts RunOptions

	cmd := &cobra.Command{
		Use:   profile,
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return &ExitError{Code: ExitFailure, Err: err}
			}
			return app.RunBatch(cmd.Context(), profile, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Benchmark, "benchmark", "b", "", "Benchmark category, set name or SPEC_ALL")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Result name (default: <L1D>-<L2C> prefetchers)")
	cmd.Flags().StringVar(&opts.Config, "config", "", "ChampSim JSON configuration (default: $SIMFLEET_CHAMPSIM_CONFIG)")
	cmd.Flags().BoolVar(&opts.Clean, "clean", false, "Run make clean before building")
	cmd.Flags().BoolVar(&opts.Run, "run", false, "Skip configure and build, use the existing binary")
	cmd.Flags().StringVar(&opts.Host, "host", "", "Run only on this host")
	cmd.Flags().IntVar(&opts.MaxCPU, "max-cpu", 0, "Maximum concurrent jobs (0 = cluster capacity)")
	cmd.Flags().StringVar(&opts.HostsFile, "hosts", "", "Host catalog (default: $SIMFLEET_HOSTS_FILE)")
	cmd.Flags().StringVar(&opts.CatalogFile, "catalog", "", "Benchmark catalog (default: $SIMFLEET_CATALOG_FILE)")
	cmd.Flags().StringVar(&opts.ResultsDir, "results", "", "Local results directory (default: $SIMFLEET_RESULTS_DIR)")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "Exit with status 3 when any job failed")
	cmd.Flags().Uint64Var(&opts.Warmup, "warmup", 0, "Warmup instructions (0 = profile default)")
	cmd.Flags().Uint64Var(&opts.Instructions, "instructions", 0, "Simulation instructions (0 = profile default)")
	cmd.MarkFlagRequired("benchmark")

	return cmd
}

// applySettings fills flags left unset from the environment settings.
func (opts *RunOptions) applySettings(s *config.Settings) {
	if opts.Config == "" {
		opts.Config = s.ChampConfig
	}
	if opts.HostsFile == "" {
		opts.HostsFile = s.HostsFile
	}
	if opts.CatalogFile == "" {
		opts.CatalogFile = s.CatalogFile
	}
	if opts.ResultsDir == "" {
		opts.ResultsDir = s.ResultsDir
	}
	if opts.Warmup == 0 {
		opts.Warmup = s.WarmupInstructions
	}
	if opts.Instructions == 0 {
		opts.Instructions = s.SimulationInstructions
	}
}

// RunBatch executes one simulate or trace run end to end: load the
// catalogs, check the hosts, build and stage the binary, dispatch every
// job and clean up.
func (a *App) RunBatch(ctx context.Context, profileName string, opts RunOptions) error {
	settings, err := config.Load()
	if err != nil {
		return fail("%w", err)
	}
	opts.applySettings(settings)

	hosts, err := loadHosts(opts.HostsFile, opts.Host, opts.MaxCPU)
	if err != nil {
		return fail("%w", err)
	}
	maxWorkers := opts.MaxCPU
	if opts.Host != "" {
		// The restricted host's capacity already carries --max-cpu.
		maxWorkers = 0
	}

	cat, err := catalog.Load(opts.CatalogFile)
	if err != nil {
		return fail("%w", err)
	}
	categories, err := cat.Select(opts.Benchmark)
	if err != nil {
		return fail("%w", err)
	}
	jobs := cat.Jobs(categories)
	if len(jobs) == 0 {
		return fail("benchmark %q selects no traces", opts.Benchmark)
	}

	profile, err := runner.DefaultProfile(profileName)
	if err != nil {
		return fail("%w", err)
	}
	if opts.Warmup > 0 {
		profile.Warmup = opts.Warmup
	}
	if opts.Instructions > 0 {
		profile.Instructions = opts.Instructions
	}

	resultName := opts.Name
	if resultName == "" {
		prefetchers, err := build.ReadPrefetchers(opts.Config)
		if err != nil {
			return fail("%w", err)
		}
		resultName = prefetchers.ResultName()
		if err := build.ValidateResultName(resultName); err != nil {
			return fail("%w", err)
		}
	}

	runID := build.NewRunID()
	logPath := settings.LogPath
	if logPath == "" {
		logPath = filepath.Join(opts.ResultsDir, resultName, "simfleet-"+runID+".log")
	}
	if _, err := logging.Init(logPath); err != nil {
		log.Printf("[cli] continuing without a run log: %v", err)
	}
	defer logging.Close()

	registry := metrics.NewRegistry()
	cl, err := connect(settings, hosts, registry)
	if err != nil {
		return fail("%w", err)
	}
	defer cl.Close()

	layout := runner.Layout{
		RunDir:      path.Join(settings.RemoteBaseDir, "run_"+runID),
		ResultName:  resultName,
		ResultsRoot: opts.ResultsDir,
	}
	driver, err := dispatch.New(cl.pool, cl.remote, dispatch.Options{
		Hosts:      hosts,
		Profile:    profile,
		Layout:     layout,
		MaxWorkers: maxWorkers,
		Out:        a.stdout,
		Registry:   registry,
	})
	if err != nil {
		return fail("%w", err)
	}

	banner(a.stdout, "Testing SSH Connections")
	if !dispatch.PrintPreflight(a.stdout, driver.Preflight(ctx)) {
		return fail("one or more hosts are unreachable")
	}

	if !opts.Run {
		proceed, err := a.buildBinary(ctx, opts, resultName)
		if err != nil {
			return fail("%w", err)
		}
		if !proceed {
			fmt.Fprintln(a.stdout, "Aborted.")
			return nil
		}
	}

	banner(a.stdout, "Creating Binary Copy")
	fmt.Fprintf(a.stdout, "Run ID: %s\n", runID)
	localBinary, err := build.CopyBinary(settings.BinaryPath, runID)
	if err != nil {
		if opts.Run {
			return fail("%w (build first or run without --run)", err)
		}
		return fail("%w", err)
	}

	cleanup := func() {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		driver.Cleanup(cctx, localBinary)
	}
	defer cleanup()

	banner(a.stdout, "Copying Binary")
	if err := driver.Stage(ctx, localBinary); err != nil {
		return fail("%w", err)
	}

	if profile.Name == runner.Trace {
		banner(a.stdout, "Running Trace Generation")
	} else {
		banner(a.stdout, "Running Simulation")
	}
	fmt.Fprintf(a.stdout, "Configuration Summary:\n")
	fmt.Fprintf(a.stdout, "  Result Directory: %s\n", resultName)
	fmt.Fprintf(a.stdout, "  Total Benchmarks: %d\n", len(jobs))
	fmt.Fprintf(a.stdout, "  Hosts: %s\n", hostList(hosts))
	fmt.Fprintf(a.stdout, "  Max Concurrent Jobs: %d\n\n", driver.Workers())

	summary := driver.Run(ctx, jobs)
	cleanup()
	summary.Print(a.stdout, resultName)
	log.Printf("[cli] run %s metrics:", runID)
	metrics.WriteOnce(registry, log.Writer())

	if err := ctx.Err(); err != nil {
		return fail("run interrupted: %w", err)
	}
	if opts.Strict && summary.Failed > 0 {
		return &ExitError{Code: ExitJobsFailed, Err: fmt.Errorf("%d of %d jobs failed", summary.Failed, summary.Total)}
	}
	return nil
}

// buildBinary configures ChampSim, asks for confirmation and compiles it.
// It reports false when the user declined.
func (a *App) buildBinary(ctx context.Context, opts RunOptions, resultName string) (bool, error) {
	b := build.NewBuilder(".", a.stdout, a.stderr)
	if a.buildExec != nil {
		b.Exec = a.buildExec
	}

	banner(a.stdout, "Updating Configuration")
	if err := b.Configure(ctx, opts.Config); err != nil {
		return false, err
	}
	prefetchers, err := build.ReadPrefetchers(opts.Config)
	if err != nil {
		return false, err
	}

	fmt.Fprintln(a.stdout, "**********************")
	fmt.Fprintf(a.stdout, "L1D : %s\n", prefetchers.L1D)
	fmt.Fprintf(a.stdout, "L2C : %s\n", prefetchers.L2C)
	fmt.Fprintf(a.stdout, "Name: %s\n", resultName)
	fmt.Fprintln(a.stdout, "**********************")

	if !opts.Yes && !a.confirm("Continue? [Y/n]: ") {
		return false, nil
	}

	banner(a.stdout, "Building ChampSim")
	if err := b.Make(ctx, opts.Clean); err != nil {
		return false, err
	}
	return true, nil
}

// confirm asks a yes/no question with yes as the default. Without a
// terminal on stdin it answers yes.
func (a *App) confirm(prompt string) bool {
	if a.isTerminal == nil || !a.isTerminal() {
		log.Printf("[cli] stdin is not a terminal; continuing without confirmation")
		return true
	}
	fmt.Fprint(a.stdout, prompt)
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true
	}
	return false
}

func banner(w io.Writer, title string) {
	rule := strings.Repeat("=", len(title))
	fmt.Fprintf(w, "%s\n%s\n%s\n", rule, title, rule)
}

func hostList(hosts []config.Host) string {
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.String()
	}
	return strings.Join(names, ", ")
}
