package runner

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/go-units"
)

// Progress counts finished jobs and prints one line per job. Lines are
// written under the counter's lock so they never interleave.
type Progress struct {
	mu        sync.Mutex
	total     int
	completed int
	failed    int
	start     time.Time
	out       io.Writer
}

// NewProgress creates a counter for total jobs writing to out.
// A nil out discards the lines.
func NewProgress(total int, out io.Writer) *Progress {
	if out == nil {
		out = io.Discard
	}
	return &Progress{total: total, start: time.Now(), out: out}
}

// Complete records a finished job and returns the completed count.
func (p *Progress) Complete(jobID, host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed++
	fmt.Fprintf(p.out, "[%d/%d] done   %s on %s (%s elapsed)\n",
		p.completed+p.failed, p.total, jobID, host, units.HumanDuration(time.Since(p.start)))
	return p.completed
}

// Fail records a failed job and returns the failed count.
func (p *Progress) Fail(jobID, host string, err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed++
	fmt.Fprintf(p.out, "[%d/%d] FAILED %s on %s: %v\n", p.completed+p.failed, p.total, jobID, host, err)
	return p.failed
}

// Dispatched prints that a job has started on host.
func (p *Progress) Dispatched(jobID, host string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "Dispatching %s to %s\n", jobID, host)
}

// Elapsed is the time since the counter was created.
func (p *Progress) Elapsed() time.Duration {
	return time.Since(p.start)
}
