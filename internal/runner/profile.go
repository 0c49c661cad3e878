package runner

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/gluk-w/simfleet/internal/catalog"
	"github.com/gluk-w/simfleet/internal/remote"
)

// Profile names.
const (
	Simulate = "simulate"
	Trace    = "trace"
)

// branchTracesDir holds trace-generation output, locally and remotely.
const branchTracesDir = "branch_traces"

// Profile selects what a job does on the host and which files it brings
// back.
type Profile struct {
	Name         string
	Warmup       uint64
	Instructions uint64
}

// DefaultProfile returns the instruction counts used when none are given.
func DefaultProfile(name string) (Profile, error) {
	switch name {
	case Simulate:
		return Profile{Name: Simulate, Warmup: 50_000_000, Instructions: 200_000_000}, nil
	case Trace:
		return Profile{Name: Trace, Warmup: 20_000_000, Instructions: 500_000_000}, nil
	}
	return Profile{}, fmt.Errorf("unknown profile %q", name)
}

// Layout locates a run's files on the hosts and on the local machine.
type Layout struct {
	// RunDir is the run-scoped scratch directory on every host,
	// e.g. "~/champsim/run_ab12cd34".
	RunDir string
	// ResultName groups this run's results, e.g. "next_line-ip_stride".
	ResultName string
	// ResultsRoot is the local results tree.
	ResultsRoot string
}

// RemoteBinary is where the staged simulator lives on every host.
func (l Layout) RemoteBinary() string {
	return path.Join(l.RunDir, "bin", "champsim")
}

// Artifact is one file fetched from the host after a job.
type Artifact struct {
	Remote string
	Local  string
}

// Invocation is everything needed to run one job on a host.
type Invocation struct {
	// RemoteDir must exist before Command runs.
	RemoteDir string
	Command   string
	Artifacts []Artifact
}

// Plan builds the invocation of job under layout.
func (p Profile) Plan(job catalog.Job, l Layout) Invocation {
	sim := fmt.Sprintf("%s --warmup-instructions %d --simulation-instructions %d %s",
		remote.QuotePath(l.RemoteBinary()), p.Warmup, p.Instructions, remote.QuotePath(job.TracePath))

	if p.Name == Trace {
		dir := path.Join(l.RunDir, "results", branchTracesDir, job.Category)
		traceFile := path.Join(dir, job.Stem()+".bz2")
		countFile := path.Join(dir, job.Stem()+"_counts.txt")
		localDir := filepath.Join(l.ResultsRoot, branchTracesDir, job.Category)

		env := strings.Join([]string{
			"BRANCH_TRACE_FILE=" + remote.QuotePath(traceFile),
			"BRANCH_COUNT_FILE=" + remote.QuotePath(countFile),
			fmt.Sprintf("WARMUP_INSTR=%d", p.Warmup),
		}, " ")
		return Invocation{
			RemoteDir: dir,
			Command:   fmt.Sprintf("cd %s && %s %s > /dev/null 2>&1", remote.QuotePath(l.RunDir), env, sim),
			Artifacts: []Artifact{
				{Remote: traceFile, Local: filepath.Join(localDir, job.Stem()+".bz2")},
				{Remote: countFile, Local: filepath.Join(localDir, job.Stem()+"_counts.txt")},
			},
		}
	}

	dir := path.Join(l.RunDir, "results", l.ResultName, job.Category)
	out := path.Join(dir, job.ShortName()+".txt")
	return Invocation{
		RemoteDir: dir,
		Command:   fmt.Sprintf("cd %s && %s > %s 2>&1", remote.QuotePath(l.RunDir), sim, remote.QuotePath(out)),
		Artifacts: []Artifact{
			{Remote: out, Local: filepath.Join(l.ResultsRoot, l.ResultName, job.Category, job.ShortName()+".txt")},
		},
	}
}
