package runner

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
	"time"

	"github.com/gluk-w/simfleet/internal/catalog"
	"github.com/gluk-w/simfleet/internal/config"
	"github.com/gluk-w/simfleet/internal/remote"
	"github.com/gluk-w/simfleet/internal/sshpool"
	"github.com/gluk-w/simfleet/internal/sshtest"
)

const home = "/home/tester"

func stagedServer(t *testing.T, layout Layout) (*sshtest.Server, *remote.Client) {
	t.Helper()
	fsys := sshtest.NewFS(home)
	fsys.WriteFile(strings.Replace(layout.RemoteBinary(), "~", home, 1), []byte("bin"), 0755)
	srv := sshtest.NewServer(t, fsys)

	pool := sshpool.New([]config.Host{srv.Host(2)}, sshpool.Options{
		Dial:  sshpool.NewDialer(srv.ClientConfig(), "tester", 5*time.Second),
		Probe: sshpool.NewProber(5 * time.Second),
	})
	t.Cleanup(pool.CloseAll)
	return srv, remote.New(pool, remote.Options{})
}

func newRunner(r Remote, profile Profile, layout Layout, jobs []catalog.Job, out io.Writer) (*Runner, *StateTracker, *Progress) {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID()
	}
	states := NewStateTracker(ids)
	progress := NewProgress(len(jobs), out)
	return New(r, Options{Profile: profile, Layout: layout, Progress: progress, States: states}), states, progress
}

func TestRunSimulateOverSSH(t *testing.T) {
	layout := Layout{RunDir: "~/champsim/run_t1", ResultName: "no-no", ResultsRoot: t.TempDir()}
	srv, client := stagedServer(t, layout)
	srv.FS.SetProgram(func(_ context.Context, p *sshtest.Process, stdout, _ io.Writer) int {
		fmt.Fprintf(stdout, "ChampSim run in %s: %s\n", p.Dir, strings.Join(p.Argv[1:], " "))
		return 0
	})

	var out bytes.Buffer
	profile, _ := DefaultProfile(Simulate)
	r, states, _ := newRunner(client, profile, layout, []catalog.Job{testJob}, &out)

	if err := r.Run(context.Background(), srv.Addr, testJob); err != nil {
		t.Fatalf("Run: %v", err)
	}

	local := filepath.Join(layout.ResultsRoot, "no-no", "600.perlbench_s", "perlbench_s-210B.txt")
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("result not retrieved: %v", err)
	}
	want := "ChampSim run in /home/tester/champsim/run_t1: --warmup-instructions 50000000 " +
		"--simulation-instructions 200000000 /data/traces/600.perlbench_s-210B.champsimtrace.xz\n"
	if string(data) != want {
		t.Errorf("result = %q, want %q", data, want)
	}

	if c := states.Counts(); c[StateCompleted] != 1 || c[StateFailed] != 0 {
		t.Errorf("states = %v, want one completed", c)
	}
	if !strings.Contains(out.String(), "[1/1] done") {
		t.Errorf("progress output = %q", out.String())
	}
}

func TestRunTraceOverSSH(t *testing.T) {
	layout := Layout{RunDir: "~/champsim/run_t2", ResultName: "ignored", ResultsRoot: t.TempDir()}
	srv, client := stagedServer(t, layout)
	srv.FS.SetProgram(func(_ context.Context, p *sshtest.Process, stdout, _ io.Writer) int {
		p.FS.WriteFile(p.Env["BRANCH_TRACE_FILE"], []byte("BZh9 trace"), 0644)
		p.FS.WriteFile(p.Env["BRANCH_COUNT_FILE"], []byte("branches: "+p.Env["WARMUP_INSTR"]), 0644)
		fmt.Fprintln(stdout, "noise that must be discarded")
		return 0
	})

	profile, _ := DefaultProfile(Trace)
	r, _, _ := newRunner(client, profile, layout, []catalog.Job{testJob}, nil)
	if err := r.Run(context.Background(), srv.Addr, testJob); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dir := filepath.Join(layout.ResultsRoot, "branch_traces", "600.perlbench_s")
	counts, err := os.ReadFile(filepath.Join(dir, "600.perlbench_s-210B.champsimtrace_counts.txt"))
	if err != nil {
		t.Fatalf("counts not retrieved: %v", err)
	}
	if string(counts) != "branches: 20000000" {
		t.Errorf("counts = %q", counts)
	}
	if _, err := os.Stat(filepath.Join(dir, "600.perlbench_s-210B.champsimtrace.bz2")); err != nil {
		t.Errorf("trace not retrieved: %v", err)
	}
}

func TestRunFailingSimulatorStillRetrievesOutput(t *testing.T) {
	layout := Layout{RunDir: "~/champsim/run_t3", ResultName: "r", ResultsRoot: t.TempDir()}
	srv, client := stagedServer(t, layout)
	srv.FS.SetProgram(func(_ context.Context, _ *sshtest.Process, _, stderr io.Writer) int {
		fmt.Fprintln(stderr, "trace file corrupt")
		return 3
	})

	profile, _ := DefaultProfile(Simulate)
	r, states, _ := newRunner(client, profile, layout, []catalog.Job{testJob}, nil)
	err := r.Run(context.Background(), srv.Addr, testJob)

	var exitErr *remote.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode != 3 {
		t.Fatalf("expected exit status 3, got %v", err)
	}
	data, readErr := os.ReadFile(filepath.Join(layout.ResultsRoot, "r", "600.perlbench_s", "perlbench_s-210B.txt"))
	if readErr != nil || string(data) != "trace file corrupt\n" {
		t.Errorf("captured output = %q, %v", data, readErr)
	}
	if c := states.Counts(); c[StateFailed] != 1 {
		t.Errorf("states = %v, want one failed", c)
	}
}

type fakeRemote struct {
	mkdirErr error
	runErr   error
	result   remote.Result
	dlErr    error
	commands []string
}

func (f *fakeRemote) Run(_ context.Context, _, cmd string) (remote.Result, error) {
	f.commands = append(f.commands, cmd)
	return f.result, f.runErr
}

func (f *fakeRemote) MkdirAll(context.Context, string, string) error { return f.mkdirErr }

func (f *fakeRemote) Download(context.Context, string, string, string) error { return f.dlErr }

func TestRunFailurePaths(t *testing.T) {
	tests := []struct {
		name    string
		remote  *fakeRemote
		wantRun bool
	}{
		{"mkdir fails", &fakeRemote{mkdirErr: errors.New("disk full")}, false},
		{"transport fails", &fakeRemote{runErr: errors.New("connection reset")}, true},
		{"download fails", &fakeRemote{dlErr: errors.New("no such file")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile, _ := DefaultProfile(Simulate)
			r, states, _ := newRunner(tt.remote, profile, testLayout, []catalog.Job{testJob}, nil)

			if err := r.Run(context.Background(), "node01", testJob); err == nil {
				t.Fatal("expected error")
			}
			if ran := len(tt.remote.commands) > 0; ran != tt.wantRun {
				t.Errorf("simulator ran = %v, want %v", ran, tt.wantRun)
			}
			if c := states.Counts(); c[StateCompleted] != 0 || c[StateFailed] != 1 {
				t.Errorf("states = %v, want one failed", c)
			}
			if f := states.Failures(); len(f) != 1 || f[0].Host != "node01" {
				t.Errorf("failures = %+v", f)
			}
		})
	}
}
