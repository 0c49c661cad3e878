// Package dispatch drives one run across the cluster. Jobs run on a bounded
// worker pool and each one holds a scheduler slot on its host while it runs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/simfleet/internal/catalog"
	"github.com/gluk-w/simfleet/internal/config"
	"github.com/gluk-w/simfleet/internal/logutil"
	"github.com/gluk-w/simfleet/internal/remote"
	"github.com/gluk-w/simfleet/internal/runner"
	"github.com/gluk-w/simfleet/internal/scheduler"
	"github.com/gluk-w/simfleet/internal/sshpool"
)

// Options configures a Driver.
type Options struct {
	Hosts   []config.Host
	Profile runner.Profile
	Layout  runner.Layout
	// MaxWorkers caps concurrent jobs below the cluster capacity. 0 means
	// the cluster capacity.
	MaxWorkers int
	// Out receives progress lines. Nil discards them.
	Out io.Writer
	// Registry collects pool, job and scheduler metrics. Nil means a
	// private registry.
	Registry metrics.Registry
}

// Driver runs a batch of jobs across the cluster.
type Driver struct {
	hosts  []config.Host
	pool   *sshpool.Pool
	remote *remote.Client
	slots  *scheduler.SlotTable
	opts   Options

	cleanupOnce sync.Once
}

// New returns a Driver. It fails if the hosts cannot run any job.
func New(pool *sshpool.Pool, client *remote.Client, opts Options) (*Driver, error) {
	slots, err := scheduler.NewSlotTable(opts.Hosts)
	if err != nil {
		return nil, err
	}
	if opts.MaxWorkers < 0 {
		return nil, fmt.Errorf("max workers must not be negative, got %d", opts.MaxWorkers)
	}
	if opts.Registry == nil {
		opts.Registry = metrics.NewRegistry()
	}
	opts.Registry.GetOrRegister("sched.wait", slots.WaitTime())
	return &Driver{hosts: opts.Hosts, pool: pool, remote: client, slots: slots, opts: opts}, nil
}

// Workers is the number of jobs run at once.
func (d *Driver) Workers() int {
	n := d.slots.Capacity()
	if d.opts.MaxWorkers > 0 && d.opts.MaxWorkers < n {
		n = d.opts.MaxWorkers
	}
	return n
}

// Stage uploads localBinary to the run directory of every host. Any
// failure aborts the run before jobs start.
func (d *Driver) Stage(ctx context.Context, localBinary string) error {
	dst := d.opts.Layout.RemoteBinary()
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range d.hosts {
		g.Go(func() error {
			log.Printf("[dispatch] copying binary to %s", logutil.SanitizeForLog(h.Address))
			return d.remote.Upload(ctx, h.Address, localBinary, dst)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stage binary: %w", err)
	}
	return nil
}

// Summary describes a finished batch.
type Summary struct {
	Profile    string
	Total      int
	Completed  int
	Failed     int
	Elapsed    time.Duration
	FailedJobs []runner.FailedJob

	// Connections opened, reused from the pool and discarded as dead.
	Opened, Reused, Discarded int64
	// MeanJob is the mean wall time of one job.
	MeanJob time.Duration
}

// Run executes every job and waits for all of them. Each worker reserves a
// slot on the least-loaded host, runs one job and releases the slot. Job
// failures are collected in the Summary; they never stop other jobs.
func (d *Driver) Run(ctx context.Context, jobs []catalog.Job) Summary {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID()
	}
	states := runner.NewStateTracker(ids)
	progress := runner.NewProgress(len(jobs), d.opts.Out)
	states.OnStateChange(func(id string, tr runner.StateTransition) {
		if tr.To == runner.StateRunning {
			progress.Dispatched(id, tr.Host)
		}
	})
	r := runner.New(d.remote, runner.Options{
		Profile:  d.opts.Profile,
		Layout:   d.opts.Layout,
		Progress: progress,
		States:   states,
		Registry: d.opts.Registry,
	})

	workers := d.Workers()
	log.Printf("[dispatch] running %d jobs on %d hosts with %d workers", len(jobs), len(d.hosts), workers)

	var g errgroup.Group
	g.SetLimit(workers)
	for _, job := range jobs {
		g.Go(func() error {
			host, err := d.slots.Acquire(ctx)
			if err != nil {
				states.Fail(job.ID(), "", err)
				progress.Fail(job.ID(), "-", err)
				return nil
			}
			defer d.slots.Release(host)

			r.Run(ctx, host, job)
			return nil
		})
	}
	g.Wait()

	counts := states.Counts()
	poolReg := d.pool.Registry()
	s := Summary{
		Profile:    d.opts.Profile.Name,
		Total:      len(jobs),
		Completed:  counts[runner.StateCompleted],
		Failed:     counts[runner.StateFailed],
		Elapsed:    progress.Elapsed(),
		FailedJobs: states.Failures(),
		Opened:     counterValue(poolReg, "pool.dials"),
		Reused:     counterValue(poolReg, "pool.reuses"),
		Discarded:  counterValue(poolReg, "pool.probe_failures"),
	}
	if t, ok := d.opts.Registry.Get("job.duration").(metrics.Timer); ok {
		s.MeanJob = time.Duration(t.Mean())
	}
	log.Printf("[dispatch] %d completed, %d failed in %s (mean slot wait %s)",
		s.Completed, s.Failed, units.HumanDuration(s.Elapsed), time.Duration(d.slots.WaitTime().Mean()).Round(time.Millisecond))
	return s
}

func counterValue(reg metrics.Registry, name string) int64 {
	if c, ok := reg.Get(name).(metrics.Counter); ok {
		return c.Count()
	}
	return 0
}

// Cleanup removes the run directory from every host, closes all pooled
// connections and deletes localBinary. Failures are logged, never returned.
// Only the first call has any effect.
func (d *Driver) Cleanup(ctx context.Context, localBinary string) {
	d.cleanupOnce.Do(func() {
		var wg sync.WaitGroup
		for _, h := range d.hosts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := d.remote.RemoveAll(ctx, h.Address, d.opts.Layout.RunDir); err != nil {
					log.Printf("[dispatch] failed to clean up run directory on %s: %v", logutil.SanitizeForLog(h.Address), err)
					return
				}
				log.Printf("[dispatch] cleaned up run directory on %s", logutil.SanitizeForLog(h.Address))
			}()
		}
		wg.Wait()

		d.pool.CloseAll()

		if localBinary != "" {
			if err := os.Remove(localBinary); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Printf("[dispatch] failed to remove local binary copy %s: %v", localBinary, err)
			} else {
				log.Printf("[dispatch] removed local binary copy %s", localBinary)
			}
		}
	})
}

// Print writes the end-of-run report. The heading names what the profile
// produced.
func (s Summary) Print(w io.Writer, resultName string) {
	heading, verb, timeLabel := "Simulation Complete", "Simulated", "Simulation time"
	if s.Profile == runner.Trace {
		heading, verb, timeLabel = "Trace Generation Complete", "Traced", "Trace generation time"
	}
	rule := strings.Repeat("=", len(heading))
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, heading)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%s: %s\n", verb, resultName)
	fmt.Fprintf(w, "Jobs: %d total, %d completed, %d failed\n", s.Total, s.Completed, s.Failed)
	fmt.Fprintf(w, "%s: %.2f minutes\n", timeLabel, s.Elapsed.Minutes())
	if s.MeanJob > 0 {
		fmt.Fprintf(w, "Mean job time: %s\n", s.MeanJob.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Connections: %d opened, %d reused, %d discarded\n", s.Opened, s.Reused, s.Discarded)
	for _, f := range s.FailedJobs {
		host := f.Host
		if host == "" {
			host = "-"
		}
		fmt.Fprintf(w, "  FAILED %s on %s: %v\n", f.ID, host, f.Err)
	}
}
