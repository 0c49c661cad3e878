package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-units"

	"github.com/gluk-w/simfleet/internal/logutil"
	"github.com/gluk-w/simfleet/internal/sshpool"
)

const initialAcquireBackoff = 50 * time.Millisecond

// Options bounds remote operations. A zero timeout disables that deadline.
type Options struct {
	CommandTimeout  time.Duration
	TransferTimeout time.Duration
	// BackoffMax caps the wait between retries on an exhausted pool.
	BackoffMax time.Duration
}

// Client runs commands and transfers files on compute hosts using
// connections borrowed from a pool.
type Client struct {
	pool *sshpool.Pool
	opts Options
}

// New returns a Client backed by pool.
func New(pool *sshpool.Pool, opts Options) *Client {
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 2 * time.Second
	}
	return &Client{pool: pool, opts: opts}
}

// withConn borrows a connection to host for fn and always returns it.
// An exhausted pool is retried with exponential backoff until ctx is done.
func (c *Client) withConn(ctx context.Context, host string, fn func(sshpool.Conn) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialAcquireBackoff
	b.MaxInterval = c.opts.BackoffMax
	b.MaxElapsedTime = 0

	var conn sshpool.Conn
	acquire := func() error {
		var err error
		conn, err = c.pool.Acquire(ctx, host)
		if err != nil && !errors.Is(err, sshpool.ErrExhausted) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(acquire, backoff.WithContext(b, ctx)); err != nil {
		return err
	}
	defer c.pool.Release(host, conn)

	return fn(conn)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Run executes cmd on host. The exit status is reported in the Result;
// only transport failures and deadline expiry are errors.
func (c *Client) Run(ctx context.Context, host, cmd string) (Result, error) {
	ctx, cancel := withTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	var res Result
	err := c.withConn(ctx, host, func(conn sshpool.Conn) error {
		var err error
		res, err = execute(ctx, conn, cmd, nil, nil)
		return err
	})
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("run on %s: %w", logutil.SanitizeForLog(host), err)
	}
	return res, nil
}

// Upload copies localPath to remotePath on host, creating the remote parent
// directory and applying the local file's permission bits.
func (c *Client) Upload(ctx context.Context, host, localPath, remotePath string) error {
	ctx, cancel := withTimeout(ctx, c.opts.TransferTimeout)
	defer cancel()
	start := time.Now()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	err = c.withConn(ctx, host, func(conn sshpool.Conn) error {
		steps := []struct {
			cmd   string
			stdin io.Reader
		}{
			{cmd: "mkdir -p " + QuotePath(path.Dir(remotePath))},
			{cmd: "cat > " + QuotePath(remotePath), stdin: f},
			{cmd: fmt.Sprintf("chmod %o %s", info.Mode().Perm(), QuotePath(remotePath))},
		}
		for _, s := range steps {
			res, err := execute(ctx, conn, s.cmd, s.stdin, nil)
			if err != nil {
				return err
			}
			if err := res.Check(host, s.cmd); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s:%s: %w", localPath, logutil.SanitizeForLog(host), remotePath, err)
	}

	log.Printf("[remote] uploaded %s (%s) to %s:%s in %s",
		localPath, units.HumanSize(float64(info.Size())), logutil.SanitizeForLog(host), remotePath, time.Since(start).Round(time.Millisecond))
	return nil
}

// Download copies remotePath on host to localPath, creating local parent
// directories. The file appears at localPath only once fully received.
// A missing remote file is an error.
func (c *Client) Download(ctx context.Context, host, remotePath, localPath string) error {
	ctx, cancel := withTimeout(ctx, c.opts.TransferTimeout)
	defer cancel()

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("download: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".simfleet-*")
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	cmd := "cat " + QuotePath(remotePath)
	err = c.withConn(ctx, host, func(conn sshpool.Conn) error {
		res, err := execute(ctx, conn, cmd, nil, tmp)
		if err != nil {
			return err
		}
		return res.Check(host, cmd)
	})
	if err != nil {
		return fmt.Errorf("download %s:%s: %w", logutil.SanitizeForLog(host), remotePath, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	return nil
}

// MkdirAll creates dir and its parents on host.
func (c *Client) MkdirAll(ctx context.Context, host, dir string) error {
	cmd := "mkdir -p " + QuotePath(dir)
	res, err := c.Run(ctx, host, cmd)
	if err != nil {
		return err
	}
	return res.Check(host, cmd)
}

// RemoveAll deletes dir and everything below it on host.
func (c *Client) RemoveAll(ctx context.Context, host, dir string) error {
	cmd := "rm -rf " + QuotePath(dir)
	res, err := c.Run(ctx, host, cmd)
	if err != nil {
		return err
	}
	return res.Check(host, cmd)
}
