// Package scheduler assigns jobs to the least-loaded compute host.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/gluk-w/simfleet/internal/config"
)

// ErrNoCapacity is returned when the host set cannot run any job.
var ErrNoCapacity = errors.New("cluster has no job capacity")

type slot struct {
	host    config.Host
	running int
}

// SlotTable tracks how many jobs run on each host. For every host,
// running never exceeds capacity.
type SlotTable struct {
	mu    sync.Mutex
	cond  *sync.Cond
	slots []*slot
	index map[string]*slot

	waits metrics.Timer
}

// NewSlotTable creates an empty table for hosts. Host order breaks ties
// between equally loaded hosts.
func NewSlotTable(hosts []config.Host) (*SlotTable, error) {
	if config.TotalCapacity(hosts) <= 0 {
		return nil, ErrNoCapacity
	}
	t := &SlotTable{
		index: make(map[string]*slot, len(hosts)),
		waits: metrics.NewTimer(),
	}
	t.cond = sync.NewCond(&t.mu)
	for _, h := range hosts {
		if h.Capacity < 1 {
			return nil, fmt.Errorf("host %s: %w", h.Address, config.ErrInvalidCapacity)
		}
		if _, dup := t.index[h.Address]; dup {
			return nil, fmt.Errorf("host %s listed twice", h.Address)
		}
		s := &slot{host: h}
		t.slots = append(t.slots, s)
		t.index[h.Address] = s
	}
	return t, nil
}

// Acquire reserves a slot on the host with the lowest running/capacity
// ratio among hosts with spare capacity, blocking until one is free or ctx
// is done. The reservation is made before Acquire returns; the caller must
// Release it exactly once.
func (t *SlotTable) Acquire(ctx context.Context) (string, error) {
	start := time.Now()
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if s := t.leastLoaded(); s != nil {
			s.running++
			t.waits.UpdateSince(start)
			return s.host.Address, nil
		}
		t.cond.Wait()
	}
}

// leastLoaded must be called with t.mu held.
func (t *SlotTable) leastLoaded() *slot {
	var best *slot
	for _, s := range t.slots {
		if s.running >= s.host.Capacity {
			continue
		}
		// running/capacity < best.running/best.capacity, without division.
		if best == nil || s.running*best.host.Capacity < best.running*s.host.Capacity {
			best = s
		}
	}
	return best
}

// Release frees a slot reserved by Acquire. Releasing a host with no
// reservation is a programming error and panics.
func (t *SlotTable) Release(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.index[host]
	if !ok {
		panic(fmt.Sprintf("scheduler: release of unknown host %q", host))
	}
	if s.running == 0 {
		panic(fmt.Sprintf("scheduler: release of %q without a reservation", host))
	}
	s.running--
	t.cond.Broadcast()
}

// Running returns the number of reserved slots on host.
func (t *SlotTable) Running(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.index[host]; ok {
		return s.running
	}
	return 0
}

// Snapshot returns the running count of every host.
func (t *SlotTable) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.slots))
	for _, s := range t.slots {
		out[s.host.Address] = s.running
	}
	return out
}

// Capacity is the total number of slots.
func (t *SlotTable) Capacity() int {
	total := 0
	for _, s := range t.slots {
		total += s.host.Capacity
	}
	return total
}

// WaitTime reports how long Acquire calls waited for a slot.
func (t *SlotTable) WaitTime() metrics.Timer {
	return t.waits
}
