package cli

import (
	"fmt"
	"os"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/simfleet/internal/config"
	"github.com/gluk-w/simfleet/internal/remote"
	"github.com/gluk-w/simfleet/internal/sshkeys"
	"github.com/gluk-w/simfleet/internal/sshpool"
)

// cluster is the SSH plumbing shared by every command that reaches hosts.
type cluster struct {
	auth   *sshkeys.Auth
	pool   *sshpool.Pool
	remote *remote.Client
}

// connect builds the connection pool and remote client for hosts. Nothing is
// dialed until the first remote operation.
func connect(s *config.Settings, hosts []config.Host, registry metrics.Registry) (*cluster, error) {
	auth, err := sshkeys.AuthMethods(sshkeys.AuthOptions{
		KeyPaths: s.SSHKeyPaths,
		Password: s.SSHPassword,
	})
	if err != nil {
		return nil, err
	}
	hostKeys, err := sshkeys.HostKeyCallback(s.KnownHostsFile, s.StrictHostKeys)
	if err != nil {
		auth.Close()
		return nil, err
	}

	base := &ssh.ClientConfig{
		Auth:            auth.Methods,
		HostKeyCallback: hostKeys,
		Timeout:         s.ConnectTimeout,
	}
	pool := sshpool.New(hosts, sshpool.Options{
		Dial:     sshpool.NewDialer(base, defaultUser(s), s.ConnectTimeout),
		Probe:    sshpool.NewProber(s.ProbeTimeout),
		Registry: registry,
	})
	client := remote.New(pool, remote.Options{
		CommandTimeout:  s.CommandTimeout,
		TransferTimeout: s.TransferTimeout,
		BackoffMax:      s.AcquireBackoffMax,
	})
	return &cluster{auth: auth, pool: pool, remote: client}, nil
}

// Close drops every pooled connection and the ssh-agent connection.
func (c *cluster) Close() {
	c.pool.CloseAll()
	c.auth.Close()
}

// defaultUser is the SSH user for hosts whose address names none.
func defaultUser(s *config.Settings) string {
	if s.SSHUser != "" {
		return s.SSHUser
	}
	return os.Getenv("USER")
}

// loadHosts reads the host catalog and applies the single-host restriction.
func loadHosts(file, only string, maxJobs int) ([]config.Host, error) {
	hosts, err := config.LoadHosts(file)
	if err != nil {
		return nil, err
	}
	if only == "" {
		return hosts, nil
	}
	hosts, err = config.Restrict(hosts, only, maxJobs)
	if err != nil {
		return nil, fmt.Errorf("--host: %w", err)
	}
	return hosts, nil
}
