package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/simfleet/internal/logutil"
	"github.com/gluk-w/simfleet/internal/sshpool"
)

const slowCommandThreshold = 500 * time.Millisecond

// Result is the outcome of a command that ran to completion. A non-zero
// ExitCode is not an error by itself.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError describes a command that exited with a non-zero status.
type ExitError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: %s exited %d", logutil.SanitizeForLog(e.Host), logutil.Truncate(e.Command), e.ExitCode)
	if line := logutil.FirstLine(e.Stderr); line != "" {
		msg += ": " + logutil.SanitizeForLog(line)
	}
	return msg
}

// Check returns an *ExitError when the command failed.
func (r Result) Check(host, cmd string) error {
	if r.ExitCode == 0 {
		return nil
	}
	return &ExitError{Host: host, Command: cmd, ExitCode: r.ExitCode, Stderr: r.Stderr}
}

// execute opens a session on conn and runs cmd to completion or until ctx
// is done. Stdout goes to stdout when non-nil and is captured otherwise.
// On ctx expiry the remote process is signalled and the session closed.
func execute(ctx context.Context, conn sshpool.Conn, cmd string, stdin io.Reader, stdout io.Writer) (Result, error) {
	start := time.Now()

	session, err := conn.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	if stdout != nil {
		session.Stdout = stdout
	} else {
		session.Stdout = &outBuf
	}
	session.Stderr = &errBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	if err := session.Start(cmd); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return Result{ExitCode: -1}, fmt.Errorf("%s: %w", logutil.Truncate(cmd), ctx.Err())
	}

	if elapsed := time.Since(start); elapsed > slowCommandThreshold {
		log.Printf("[remote] SLOW command (%s): %s", units.HumanDuration(elapsed), logutil.Truncate(cmd))
	}

	res := Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, runErr
	}
	return res, nil
}

// ShellQuote wraps s in single quotes, escaping embedded single quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// QuotePath quotes a remote path for the shell. A leading "~/" is kept
// outside the quotes as "$HOME" so the remote shell expands it.
func QuotePath(p string) string {
	switch {
	case p == "~":
		return `"$HOME"`
	case strings.HasPrefix(p, "~/"):
		return `"$HOME"/` + ShellQuote(p[2:])
	default:
		return ShellQuote(p)
	}
}
