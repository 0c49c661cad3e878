package sshpool

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/simfleet/internal/config"
)

const (
	keepaliveRequest = "keepalive@openssh.com"
	probeCommand     = "echo ping"
)

// NewDialer returns a Dialer that opens TCP connections honoring ctx and
// timeout, then performs the SSH handshake with base. The SSH user comes
// from the host address, falling back to defaultUser.
func NewDialer(base *ssh.ClientConfig, defaultUser string, timeout time.Duration) Dialer {
	return func(ctx context.Context, host config.Host) (Conn, error) {
		user, addr := host.Endpoint(defaultUser)
		if user == "" {
			return nil, fmt.Errorf("no SSH user for %s", host.Address)
		}

		cfg := *base
		cfg.User = user
		if cfg.Timeout == 0 {
			cfg.Timeout = timeout
		}

		d := net.Dialer{Timeout: timeout}
		netConn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}

		// Bound the handshake and abort it if ctx is cancelled.
		netConn.SetDeadline(time.Now().Add(timeout))
		stop := context.AfterFunc(ctx, func() { netConn.Close() })

		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, &cfg)
		if !stop() {
			if err == nil {
				sshConn.Close()
			}
			return nil, ctx.Err()
		}
		if err != nil {
			netConn.Close()
			return nil, fmt.Errorf("ssh handshake: %w", err)
		}
		netConn.SetDeadline(time.Time{})

		return ssh.NewClient(sshConn, chans, reqs), nil
	}
}

// NewProber returns the liveness check used on every checkout and return:
// a protocol-level keepalive followed by "echo ping", both within timeout.
func NewProber(timeout time.Duration) Prober {
	return func(conn Conn) error {
		done := make(chan error, 1)
		go func() {
			done <- probe(conn)
		}()

		select {
		case err := <-done:
			return err
		case <-time.After(timeout):
			return fmt.Errorf("health check timed out after %s", timeout)
		}
	}
}

func probe(conn Conn) error {
	if _, _, err := conn.SendRequest(keepaliveRequest, true, nil); err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}

	session, err := conn.NewSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(probeCommand)
	if err != nil {
		return fmt.Errorf("health check command: %w", err)
	}
	if strings.TrimSpace(string(out)) != "ping" {
		return fmt.Errorf("health check: unexpected output %q", out)
	}
	return nil
}
