// Package runner executes single jobs on a host chosen by the scheduler:
// it prepares the job's remote result directory, runs the simulator and
// copies the job's output back into the local results tree.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/gluk-w/simfleet/internal/catalog"
	"github.com/gluk-w/simfleet/internal/logutil"
	"github.com/gluk-w/simfleet/internal/remote"
)

// Remote is the subset of remote.Client a job needs.
type Remote interface {
	Run(ctx context.Context, host, cmd string) (remote.Result, error)
	MkdirAll(ctx context.Context, host, dir string) error
	Download(ctx context.Context, host, remotePath, localPath string) error
}

// Options configures a Runner. Progress and States are required.
type Options struct {
	Profile  Profile
	Layout   Layout
	Progress *Progress
	States   *StateTracker
	// Registry receives job counters and the job duration timer.
	// Nil means a private registry.
	Registry metrics.Registry
}

// Runner runs jobs. It is safe for concurrent use.
type Runner struct {
	remote   Remote
	opts     Options
	duration metrics.Timer
	failures metrics.Counter
}

// New returns a Runner that reaches hosts through r.
func New(r Remote, opts Options) *Runner {
	reg := opts.Registry
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Runner{
		remote:   r,
		opts:     opts,
		duration: metrics.GetOrRegisterTimer("job.duration", reg),
		failures: metrics.GetOrRegisterCounter("job.failures", reg),
	}
}

// Run executes job on host. A failure is logged, recorded and returned;
// it never affects other jobs. Artifacts are fetched even when the
// simulator exits non-zero so its captured output can be inspected.
func (r *Runner) Run(ctx context.Context, host string, job catalog.Job) error {
	start := time.Now()
	id := job.ID()
	r.opts.States.SetState(id, host, StateRunning)
	log.Printf("[job] %s starting on %s", logutil.SanitizeForLog(id), logutil.SanitizeForLog(host))

	err := r.run(ctx, host, job)
	r.duration.UpdateSince(start)

	if err != nil {
		r.failures.Inc(1)
		r.opts.States.Fail(id, host, err)
		r.opts.Progress.Fail(id, host, err)
		log.Printf("[job] %s failed on %s after %s: %v",
			logutil.SanitizeForLog(id), logutil.SanitizeForLog(host), time.Since(start).Round(time.Second), err)
		return fmt.Errorf("job %s on %s: %w", id, host, err)
	}

	r.opts.States.SetState(id, host, StateCompleted)
	r.opts.Progress.Complete(id, host)
	log.Printf("[job] %s finished on %s in %s",
		logutil.SanitizeForLog(id), logutil.SanitizeForLog(host), time.Since(start).Round(time.Second))
	return nil
}

func (r *Runner) run(ctx context.Context, host string, job catalog.Job) error {
	inv := r.opts.Profile.Plan(job, r.opts.Layout)

	if err := r.remote.MkdirAll(ctx, host, inv.RemoteDir); err != nil {
		return fmt.Errorf("prepare result directory: %w", err)
	}

	res, err := r.remote.Run(ctx, host, inv.Command)
	if err != nil {
		return err
	}
	runErr := res.Check(host, inv.Command)

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	for _, a := range inv.Artifacts {
		if err := r.remote.Download(ctx, host, a.Remote, a.Local); err != nil {
			errs = append(errs, fmt.Errorf("retrieve %s: %w", a.Remote, err))
		}
	}
	return errors.Join(errs...)
}
