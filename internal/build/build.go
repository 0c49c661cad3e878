// Package build prepares the simulator binary for a run: it applies the
// ChampSim configuration, compiles the project and makes a run-scoped copy
// of the binary so concurrent runs never share one.
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ExecFunc runs name with args in dir, streaming output to stdout and stderr.
type ExecFunc func(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error

// Builder runs the project's own configure and make steps.
type Builder struct {
	// Dir is the ChampSim checkout, "." by default.
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
	Exec   ExecFunc
}

// NewBuilder returns a Builder for the checkout in dir writing build output
// to stdout and stderr.
func NewBuilder(dir string, stdout, stderr io.Writer) *Builder {
	if dir == "" {
		dir = "."
	}
	return &Builder{Dir: dir, Stdout: stdout, Stderr: stderr, Exec: execCommand}
}

func execCommand(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// Configure runs "./config.sh <configFile>".
func (b *Builder) Configure(ctx context.Context, configFile string) error {
	log.Printf("[build] configuring with %s", configFile)
	if err := b.Exec(ctx, b.Dir, b.Stdout, b.Stderr, "./config.sh", configFile); err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	return nil
}

// Make compiles the simulator, running "make clean" first when clean is set.
func (b *Builder) Make(ctx context.Context, clean bool) error {
	if clean {
		log.Printf("[build] make clean")
		if err := b.Exec(ctx, b.Dir, b.Stdout, b.Stderr, "make", "clean"); err != nil {
			return fmt.Errorf("clean failed: %w", err)
		}
	}
	log.Printf("[build] make")
	if err := b.Exec(ctx, b.Dir, b.Stdout, b.Stderr, "make"); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return nil
}

// Prefetchers is the part of a ChampSim configuration that names a run.
type Prefetchers struct {
	L1D string
	L2C string
}

// ReadPrefetchers reads the L1D and L2C prefetcher names from a ChampSim
// JSON configuration.
func ReadPrefetchers(configFile string) (Prefetchers, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return Prefetchers{}, fmt.Errorf("read champsim config: %w", err)
	}

	var cfg struct {
		L1D struct {
			Prefetcher string `json:"prefetcher"`
		} `json:"L1D"`
		L2C struct {
			Prefetcher string `json:"prefetcher"`
		} `json:"L2C"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Prefetchers{}, fmt.Errorf("parse champsim config %s: %w", configFile, err)
	}
	if cfg.L1D.Prefetcher == "" || cfg.L2C.Prefetcher == "" {
		return Prefetchers{}, fmt.Errorf("champsim config %s: L1D.prefetcher and L2C.prefetcher are required", configFile)
	}
	return Prefetchers{L1D: cfg.L1D.Prefetcher, L2C: cfg.L2C.Prefetcher}, nil
}

// ResultName is "<L1D>-<L2C>".
func (p Prefetchers) ResultName() string {
	return p.L1D + "-" + p.L2C
}

// ValidateResultName rejects names that would escape the results tree.
func ValidateResultName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid result name %q", name)
	}
	return nil
}

// NewRunID returns a short random identifier for a run.
func NewRunID() string {
	return uuid.NewString()[:8]
}

// CopyBinary copies src to "<dir of src>/champsim_run_<runID>", keeping its
// permission bits, and returns the copy's path.
func CopyBinary(src, runID string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("no binary at %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("stat binary: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", src)
	}

	dst := filepath.Join(filepath.Dir(src), "champsim_run_"+runID)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("create binary copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("copy binary: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("copy binary: %w", err)
	}
	log.Printf("[build] created binary copy %s", dst)
	return dst, nil
}
