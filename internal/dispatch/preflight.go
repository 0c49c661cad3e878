package dispatch

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/simfleet/internal/remote"
)

const probeMessage = "Connection successful"

// HostStatus is the result of checking one host before a run.
type HostStatus struct {
	Address string
	// LoadAverage is the raw "1, 5, 15 minute" triple from uptime.
	LoadAverage string
	// Load1 is the parsed one-minute load, -1 when unknown.
	Load1 float64
	Err   error
}

// Preflight checks every host in parallel: it runs a trivial command and
// reads the load average. Statuses are returned in host order.
func (d *Driver) Preflight(ctx context.Context) []HostStatus {
	statuses := make([]HostStatus, len(d.hosts))
	g, ctx := errgroup.WithContext(ctx)
	for i, h := range d.hosts {
		g.Go(func() error {
			statuses[i] = d.checkHost(ctx, h.Address)
			return nil
		})
	}
	g.Wait()
	return statuses
}

func (d *Driver) checkHost(ctx context.Context, host string) HostStatus {
	st := HostStatus{Address: host, Load1: -1}

	cmd := "echo " + remote.ShellQuote(probeMessage)
	res, err := d.remote.Run(ctx, host, cmd)
	if err == nil {
		err = res.Check(host, cmd)
	}
	if err == nil && strings.TrimSpace(res.Stdout) != probeMessage {
		err = fmt.Errorf("%s: unexpected reply %q", host, strings.TrimSpace(res.Stdout))
	}
	if err != nil {
		st.Err = err
		return st
	}

	res, err = d.remote.Run(ctx, host, "uptime")
	if err != nil || res.ExitCode != 0 {
		st.LoadAverage = "N/A"
		return st
	}
	st.LoadAverage, st.Load1 = parseLoadAverage(res.Stdout)
	return st
}

// parseLoadAverage extracts the text after "load average:" and its first
// number.
func parseLoadAverage(uptime string) (string, float64) {
	_, rest, ok := strings.Cut(uptime, "load average:")
	if !ok {
		return "N/A", -1
	}
	rest = strings.TrimSpace(rest)
	first, _, _ := strings.Cut(rest, ",")
	load, err := strconv.ParseFloat(strings.TrimSpace(first), 64)
	if err != nil {
		return rest, -1
	}
	return rest, load
}

// PrintPreflight writes one line per host and reports whether every host
// answered.
func PrintPreflight(w io.Writer, statuses []HostStatus) bool {
	ok := true
	for _, st := range statuses {
		if st.Err != nil {
			ok = false
			fmt.Fprintf(w, "✗ Connection to %s failed: %v\n", st.Address, st.Err)
			continue
		}
		fmt.Fprintf(w, "✓ Successfully connected to %s\n  Load Average: %s\n", st.Address, st.LoadAverage)
	}
	return ok
}
