package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gluk-w/simfleet/internal/config"
	"github.com/gluk-w/simfleet/internal/dispatch"
)

// HostsOptions holds flags for the hosts command
type HostsOptions struct {
	HostsFile string
	Host      string
}

// NewHostsCmd creates the hosts command
func NewHostsCmd(app *App) *cobra.Command {
	var opts HostsOptions

	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Check that every compute host is reachable",
		Long: `Hosts connects to every host in the catalog, runs a trivial command and
prints each host's load average and the cluster capacity. It exits with status 1 when any
host cannot be reached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.CheckHosts(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.HostsFile, "hosts", "", "Host catalog (default: $SIMFLEET_HOSTS_FILE)")
	cmd.Flags().StringVar(&opts.Host, "host", "", "Check only this host")

	return cmd
}

// CheckHosts probes every host and prints one status line per host.
func (a *App) CheckHosts(ctx context.Context, opts HostsOptions) error {
	settings, err := config.Load()
	if err != nil {
		return fail("%w", err)
	}
	if opts.HostsFile == "" {
		opts.HostsFile = settings.HostsFile
	}

	hosts, err := loadHosts(opts.HostsFile, opts.Host, 0)
	if err != nil {
		return fail("%w", err)
	}

	cl, err := connect(settings, hosts, nil)
	if err != nil {
		return fail("%w", err)
	}
	defer cl.Close()

	driver, err := dispatch.New(cl.pool, cl.remote, dispatch.Options{Hosts: hosts, Out: a.stdout})
	if err != nil {
		return fail("%w", err)
	}

	ok := dispatch.PrintPreflight(a.stdout, driver.Preflight(ctx))
	fmt.Fprintf(a.stdout, "Total capacity: %d jobs on %d hosts\n", config.TotalCapacity(hosts), len(hosts))
	if !ok {
		return fail("one or more hosts are unreachable")
	}
	return nil
}
