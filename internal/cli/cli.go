// Package cli wires the simfleet commands: simulate and trace dispatch a
// benchmark batch across the cluster, hosts checks that every compute host
// answers.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gluk-w/simfleet/internal/build"
)

// Exit codes returned by the process.
const (
	ExitFailure    = 1
	ExitJobsFailed = 3
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

func fail(format string, args ...any) error {
	return &ExitError{Code: ExitFailure, Err: fmt.Errorf(format, args...)}
}

// App represents the CLI application with all wired dependencies
type App struct {
	rootCmd *cobra.Command

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// isTerminal reports whether stdin is interactive.
	isTerminal func() bool
	// buildExec replaces the local configure and make commands when set.
	buildExec build.ExecFunc

	version string
	commit  string
	date    string
}

// New creates a new CLI application bound to the process's standard streams.
func New() *App {
	app := &App{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		isTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute(ctx context.Context) error {
	return a.rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the version reported by --version
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
	a.rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
}

// SetArgs overrides the command-line arguments, for tests.
func (a *App) SetArgs(args []string) {
	a.rootCmd.SetArgs(args)
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "simfleet",
		Short: "Run ChampSim benchmark batches across a cluster of SSH hosts",
		Long: `simfleet builds the ChampSim simulator locally, stages a run-scoped copy
on every compute host and spreads one job per benchmark trace over the
cluster, keeping each host within its configured capacity.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	a.rootCmd.SetIn(a.stdin)
	a.rootCmd.SetOut(a.stdout)
	a.rootCmd.SetErr(a.stderr)

	a.rootCmd.AddCommand(
		NewSimulateCmd(a),
		NewTraceCmd(a),
		NewHostsCmd(a),
	)
}
