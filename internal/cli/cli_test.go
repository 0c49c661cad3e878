package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/simfleet/internal/catalog"
	"github.com/gluk-w/simfleet/internal/sshtest"
)

const testHome = "/home/tester"

const testCatalog = `trace_dir: /traces/
categories:
  - name: 600.perlbench_s
    traces:
      - 600.perlbench_s-210B.champsimtrace.xz
      - 600.perlbench_s-570B.champsimtrace.xz
  - name: 605.mcf_s
    traces: [605.mcf_s-665B.champsimtrace.xz]
sets:
  SPEC_2017: [600.perlbench_s, 605.mcf_s]
`

const testChampConfig = `{"L1D": {"prefetcher": "next_line"}, "L2C": {"prefetcher": "ip_stride"}}`

// testEnv is a cluster of in-process SSH servers plus the local files a
// run reads.
type testEnv struct {
	dir       string
	servers   []*sshtest.Server
	hostsFile string
	catalog   string
	results   string
	binary    string
	config    string
}

func newTestEnv(t *testing.T, n int) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:       dir,
		hostsFile: filepath.Join(dir, "hosts.yaml"),
		catalog:   filepath.Join(dir, "benchmarks.yaml"),
		results:   filepath.Join(dir, "results"),
		binary:    filepath.Join(dir, "bin", "champsim"),
		config:    filepath.Join(dir, "champsim_config.json"),
	}

	var keyPaths []string
	var knownHosts, hosts strings.Builder
	hosts.WriteString("hosts:\n")
	for i := 0; i < n; i++ {
		srv := sshtest.NewServer(t, sshtest.NewFS(testHome))
		env.servers = append(env.servers, srv)

		keyPath := filepath.Join(dir, fmt.Sprintf("id_%d", i))
		require.NoError(t, os.WriteFile(keyPath, srv.ClientKeyPEM, 0600))
		keyPaths = append(keyPaths, keyPath)

		knownHosts.WriteString(knownhosts.Line([]string{knownhosts.Normalize(srv.Addr)}, srv.HostKey) + "\n")
		fmt.Fprintf(&hosts, "  - [%q, 1]\n", srv.Addr)
	}

	knownHostsFile := filepath.Join(dir, "known_hosts")
	require.NoError(t, os.WriteFile(knownHostsFile, []byte(knownHosts.String()), 0644))
	require.NoError(t, os.WriteFile(env.hostsFile, []byte(hosts.String()), 0644))
	require.NoError(t, os.WriteFile(env.catalog, []byte(testCatalog), 0644))
	require.NoError(t, os.WriteFile(env.config, []byte(testChampConfig), 0644))
	require.NoError(t, os.MkdirAll(filepath.Dir(env.binary), 0755))

	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("SIMFLEET_SSH_USER", "tester")
	t.Setenv("SIMFLEET_SSH_KEYS", strings.Join(keyPaths, ","))
	t.Setenv("SIMFLEET_KNOWN_HOSTS", knownHostsFile)
	t.Setenv("SIMFLEET_STRICT_HOST_KEYS", "true")
	t.Setenv("SIMFLEET_BINARY_PATH", env.binary)
	t.Setenv("SIMFLEET_CHAMPSIM_CONFIG", env.config)
	t.Setenv("SIMFLEET_ACQUIRE_BACKOFF_MAX", "20ms")
	return env
}

func (e *testEnv) writeBinary(t *testing.T) {
	t.Helper()
	require.NoError(t, os.WriteFile(e.binary, []byte("ELF"), 0755))
}

// run executes args with a fresh App and returns its output.
func (e *testEnv) run(t *testing.T, stdin string, tty bool, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	app := &App{
		stdin:      strings.NewReader(stdin),
		stdout:     out,
		stderr:     io.Discard,
		isTerminal: func() bool { return tty },
	}
	app.setupRootCmd()
	app.SetArgs(append(args, "--hosts", e.hostsFile))
	err := app.Execute(context.Background())
	return out.String(), err
}

func (e *testEnv) runArgs(extra ...string) []string {
	return append([]string{"simulate", "-b", "SPEC_2017", "--catalog", e.catalog, "--results", e.results}, extra...)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitJobsFailed, ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: ExitJobsFailed})))

	err := fail("bad %s: %w", "hosts", catalog.ErrNoMatch)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.ErrorIs(t, err, catalog.ErrNoMatch)
	assert.Equal(t, "bad hosts: "+catalog.ErrNoMatch.Error(), err.Error())
}

func TestRunOptionsValidate(t *testing.T) {
	assert.NoError(t, RunOptions{Benchmark: "SPEC_2017"}.Validate())
	assert.ErrorContains(t, RunOptions{}.Validate(), "--benchmark")
	assert.ErrorContains(t, RunOptions{Benchmark: "x", MaxCPU: -1}.Validate(), "--max-cpu")
	assert.ErrorContains(t, RunOptions{Benchmark: "x", Name: "../up"}.Validate(), "--name")
}

func TestRunCmdFlags(t *testing.T) {
	cmd := NewSimulateCmd(New())
	require.NoError(t, cmd.ParseFlags([]string{"-b", "mcf", "--max-cpu", "4", "--run", "-y", "--warmup", "10"}))

	b, err := cmd.Flags().GetString("benchmark")
	require.NoError(t, err)
	assert.Equal(t, "mcf", b)
	maxCPU, err := cmd.Flags().GetInt("max-cpu")
	require.NoError(t, err)
	assert.Equal(t, 4, maxCPU)
	warmup, err := cmd.Flags().GetUint64("warmup")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), warmup)

	for _, name := range []string{"name", "config", "clean", "host", "hosts", "catalog", "results", "strict", "instructions"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "trace", NewTraceCmd(New()).Use)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		tty   bool
		want  bool
	}{
		{"", false, true},
		{"n\n", false, true},
		{"\n", true, true},
		{"y\n", true, true},
		{"YES\n", true, true},
		{"n\n", true, false},
		{"nope\n", true, false},
		{"", true, true},
	}
	for _, tt := range tests {
		app := &App{stdin: strings.NewReader(tt.input), stdout: io.Discard, isTerminal: func() bool { return tt.tty }}
		assert.Equal(t, tt.want, app.confirm("Continue? [Y/n]: "), "input %q tty %v", tt.input, tt.tty)
	}
}

func TestSimulateEndToEnd(t *testing.T) {
	env := newTestEnv(t, 2)
	env.writeBinary(t)

	out, err := env.run(t, "", false, env.runArgs("--run", "--name", "baseline")...)
	require.NoError(t, err, out)

	assert.Contains(t, out, "✓ Successfully connected to "+env.servers[0].Addr)
	assert.Contains(t, out, "Load Average: 0.42, 0.37, 0.30")
	assert.Contains(t, out, "Total Benchmarks: 3")
	assert.Contains(t, out, "Max Concurrent Jobs: 2")
	assert.Contains(t, out, "Simulated: baseline")
	assert.Contains(t, out, "Jobs: 3 total, 3 completed, 0 failed")

	for _, f := range []string{
		"600.perlbench_s/perlbench_s-210B.txt",
		"600.perlbench_s/perlbench_s-570B.txt",
		"605.mcf_s/mcf_s-665B.txt",
	} {
		data, err := os.ReadFile(filepath.Join(env.results, "baseline", f))
		require.NoError(t, err, f)
		assert.Contains(t, string(data), "--warmup-instructions 50000000")
	}

	logs, err := filepath.Glob(filepath.Join(env.results, "baseline", "simfleet-*.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	logData, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	assert.Contains(t, string(logData), "counter pool.dials")
	assert.Contains(t, string(logData), "timer job.duration")
	assert.Contains(t, out, "Dispatching 605.mcf_s/605.mcf_s-665B.champsimtrace.xz to ")

	// Only the original binary is left locally, and no run directory remains
	// on any host.
	entries, err := os.ReadDir(filepath.Dir(env.binary))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "champsim", entries[0].Name())
	for _, srv := range env.servers {
		for _, p := range srv.FS.Paths(testHome) {
			assert.NotContains(t, p, "/run_")
		}
	}
}

func TestSimulateInstructionOverrides(t *testing.T) {
	env := newTestEnv(t, 1)
	env.writeBinary(t)
	t.Setenv("SIMFLEET_SIMULATION_INSTRUCTIONS", "1000")

	out, err := env.run(t, "", false, env.runArgs("--run", "--name", "short", "--warmup", "10")...)
	require.NoError(t, err, out)

	data, err := os.ReadFile(filepath.Join(env.results, "short", "605.mcf_s", "mcf_s-665B.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "--warmup-instructions 10 --simulation-instructions 1000")
}

func TestSimulateStrictExitCode(t *testing.T) {
	env := newTestEnv(t, 1)
	env.writeBinary(t)
	env.servers[0].FS.SetProgram(func(_ context.Context, p *sshtest.Process, stdout, _ io.Writer) int {
		if strings.Contains(p.Argv[len(p.Argv)-1], "mcf") {
			fmt.Fprintln(stdout, "segfault")
			return 1
		}
		fmt.Fprintln(stdout, "ok")
		return 0
	})

	out, err := env.run(t, "", false, env.runArgs("--run", "--name", "lenient")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Jobs: 3 total, 2 completed, 1 failed")
	assert.Contains(t, out, "FAILED 605.mcf_s/605.mcf_s-665B.champsimtrace.xz")

	out, err = env.run(t, "", false, env.runArgs("--run", "--name", "strict", "--strict")...)
	assert.Equal(t, ExitJobsFailed, ExitCode(err), out)
	assert.ErrorContains(t, err, "1 of 3 jobs failed")

	// The failing simulator's output is still retrieved.
	data, err := os.ReadFile(filepath.Join(env.results, "strict", "605.mcf_s", "mcf_s-665B.txt"))
	require.NoError(t, err)
	assert.Equal(t, "segfault\n", string(data))
}

func TestSimulateSingleHost(t *testing.T) {
	env := newTestEnv(t, 2)
	env.writeBinary(t)
	only := env.servers[1].Addr

	out, err := env.run(t, "", false, env.runArgs("--run", "--name", "one", "--host", only, "--max-cpu", "3")...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Hosts: "+only)
	assert.Contains(t, out, "Max Concurrent Jobs: 3")
	assert.NotContains(t, out, env.servers[0].Addr)
	assert.Zero(t, env.servers[0].Accepted())
}

func TestSimulateBuildsBinary(t *testing.T) {
	env := newTestEnv(t, 1)

	var steps []string
	out := &bytes.Buffer{}
	app := &App{stdin: strings.NewReader(""), stdout: out, stderr: io.Discard, isTerminal: func() bool { return false }}
	app.buildExec = func(_ context.Context, _ string, _, _ io.Writer, name string, args ...string) error {
		steps = append(steps, strings.Join(append([]string{name}, args...), " "))
		if name == "make" && len(args) == 0 {
			return os.WriteFile(env.binary, []byte("ELF"), 0755)
		}
		return nil
	}
	app.setupRootCmd()
	app.SetArgs(append(env.runArgs("--clean"), "--hosts", env.hostsFile))

	require.NoError(t, app.Execute(context.Background()), out.String())
	assert.Equal(t, []string{"./config.sh " + env.config, "make clean", "make"}, steps)
	assert.Contains(t, out.String(), "L1D : next_line")
	assert.Contains(t, out.String(), "Simulated: next_line-ip_stride")
	assert.FileExists(t, filepath.Join(env.results, "next_line-ip_stride", "605.mcf_s", "mcf_s-665B.txt"))
}

func TestSimulateDeclined(t *testing.T) {
	env := newTestEnv(t, 1)

	var steps []string
	out := &bytes.Buffer{}
	app := &App{stdin: strings.NewReader("n\n"), stdout: out, stderr: io.Discard, isTerminal: func() bool { return true }}
	app.buildExec = func(_ context.Context, _ string, _, _ io.Writer, name string, args ...string) error {
		steps = append(steps, strings.Join(append([]string{name}, args...), " "))
		return nil
	}
	app.setupRootCmd()
	app.SetArgs(append(env.runArgs(), "--hosts", env.hostsFile))

	require.NoError(t, app.Execute(context.Background()))
	assert.Equal(t, []string{"./config.sh " + env.config}, steps)
	assert.Contains(t, out.String(), "Aborted.")
	assert.NoDirExists(t, filepath.Join(env.results, "next_line-ip_stride", "605.mcf_s"))
}

func TestSimulateConfigurationErrors(t *testing.T) {
	env := newTestEnv(t, 1)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing binary with --run", env.runArgs("--run", "--name", "x"), "build first"},
		{"no matching benchmark", []string{"simulate", "-b", "nothing", "--catalog", env.catalog, "--run"}, "no benchmarks match"},
		{"missing catalog", []string{"simulate", "-b", "mcf", "--catalog", filepath.Join(env.dir, "none.yaml")}, "none.yaml"},
		{"negative max-cpu", env.runArgs("--run", "--host", "other", "--max-cpu", "-1"), "--max-cpu"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.run(t, "", false, tt.args...)
			require.Error(t, err, out)
			assert.Equal(t, ExitFailure, ExitCode(err))
			assert.ErrorContains(t, err, tt.want)
		})
	}

	t.Run("missing host catalog", func(t *testing.T) {
		app := &App{stdin: strings.NewReader(""), stdout: io.Discard, stderr: io.Discard}
		app.setupRootCmd()
		app.SetArgs([]string{"simulate", "-b", "mcf", "--hosts", filepath.Join(env.dir, "nohosts.yaml")})
		err := app.Execute(context.Background())
		assert.Equal(t, ExitFailure, ExitCode(err))
		assert.ErrorContains(t, err, "host catalog")
	})
}

func TestSimulateUnreachableHost(t *testing.T) {
	env := newTestEnv(t, 2)
	env.writeBinary(t)
	env.servers[1].Close()

	out, err := env.run(t, "", false, env.runArgs("--run", "--name", "x")...)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.ErrorContains(t, err, "unreachable")
	assert.Contains(t, out, "✗ Connection to "+env.servers[1].Addr+" failed")
	assert.NoFileExists(t, filepath.Join(env.results, "x", "605.mcf_s", "mcf_s-665B.txt"))
}

func TestHostsCommand(t *testing.T) {
	env := newTestEnv(t, 2)

	out, err := env.run(t, "", false, "hosts")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ Successfully connected to "+env.servers[0].Addr)
	assert.Contains(t, out, "✓ Successfully connected to "+env.servers[1].Addr)
	assert.Contains(t, out, "Total capacity: 2 jobs on 2 hosts")

	env.servers[0].Close()
	out, err = env.run(t, "", false, "hosts")
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "✗ Connection to "+env.servers[0].Addr+" failed")
}
