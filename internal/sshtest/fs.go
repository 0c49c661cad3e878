// Package sshtest runs an in-process SSH server backed by an in-memory
// filesystem. It understands the small shell dialect the driver sends to
// compute hosts: echo, mkdir -p, cat (with and without "> path"), chmod,
// rm -rf, cd, uptime, sleep, "&&" chains, "VAR=value" prefixes, and
// "> file 2>&1" redirection. Any other command naming an executable file
// runs the FS's Program.
package sshtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// UptimeOutput is what the "uptime" command prints.
const UptimeOutput = " 10:00:00 up 12 days,  3:04,  0 users,  load average: 0.42, 0.37, 0.30\n"

// Process describes one invocation of an executable file.
type Process struct {
	Argv []string
	Env  map[string]string
	Dir  string
	FS   *FS
}

// Program simulates an executable. It returns the exit code.
type Program func(ctx context.Context, p *Process, stdout, stderr io.Writer) int

// EchoProgram prints its argv and exits 0.
func EchoProgram(_ context.Context, p *Process, stdout, _ io.Writer) int {
	fmt.Fprintln(stdout, strings.Join(p.Argv, " "))
	return 0
}

type file struct {
	data []byte
	mode fs.FileMode
}

// FS is the in-memory filesystem behind a test server.
type FS struct {
	mu       sync.Mutex
	home     string
	files    map[string]file
	dirs     map[string]bool
	history  []string
	program  Program
	failures map[string]int
}

// NewFS creates a filesystem whose home directory is home.
func NewFS(home string) *FS {
	fsys := &FS{
		home:     home,
		files:    make(map[string]file),
		dirs:     map[string]bool{"/": true, "/tmp": true},
		program:  EchoProgram,
		failures: make(map[string]int),
	}
	fsys.mkdirAll(home)
	return fsys
}

// Home returns the home directory.
func (f *FS) Home() string { return f.home }

// SetProgram replaces the program run for executable files.
func (f *FS) SetProgram(p Program) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.program = p
}

// FailNext makes the next n commands starting with prefix exit 1 without
// running.
func (f *FS) FailNext(prefix string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[prefix] = n
}

// WriteFile stores data at p, creating parent directories.
func (f *FS) WriteFile(p string, data []byte, mode fs.FileMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeFile(p, data, mode)
}

// ReadFile returns the content of p.
func (f *FS) ReadFile(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.files[path.Clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), fl.data...), true
}

// Mode returns the permission bits of p.
func (f *FS) Mode(p string) (fs.FileMode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.files[path.Clean(p)]
	return fl.mode, ok
}

// Exists reports whether p is a file or a directory.
func (f *FS) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	_, isFile := f.files[p]
	return isFile || f.dirs[p]
}

// Paths returns every file and directory at or below root, sorted.
func (f *FS) Paths(root string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	root = path.Clean(root)
	var out []string
	for p := range f.files {
		if under(p, root) {
			out = append(out, p)
		}
	}
	for p := range f.dirs {
		if under(p, root) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Commands returns every command line received, in arrival order.
func (f *FS) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history...)
}

// CountCommands returns how many received command lines contain substr.
func (f *FS) CountCommands(substr string) int {
	n := 0
	for _, c := range f.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func under(p, root string) bool {
	return p == root || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/")
}

func (f *FS) writeFile(p string, data []byte, mode fs.FileMode) {
	p = path.Clean(p)
	f.mkdirAll(path.Dir(p))
	f.files[p] = file{data: data, mode: mode}
}

func (f *FS) mkdirAll(p string) {
	p = path.Clean(p)
	for p != "/" && p != "." {
		f.dirs[p] = true
		p = path.Dir(p)
	}
}

// Run interprets cmd and returns its exit code.
func (f *FS) Run(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
	f.mu.Lock()
	f.history = append(f.history, cmd)
	for prefix, n := range f.failures {
		if n > 0 && strings.HasPrefix(cmd, prefix) {
			f.failures[prefix] = n - 1
			f.mu.Unlock()
			fmt.Fprintf(stderr, "injected failure: %s\n", cmd)
			return 1
		}
	}
	f.mu.Unlock()

	chain, err := parse(cmd, f.home)
	if err != nil {
		fmt.Fprintf(stderr, "sh: %v\n", err)
		return 2
	}

	cwd := f.home
	code := 0
	for _, c := range chain {
		code = f.exec(ctx, c, &cwd, stdin, stdout, stderr)
		if code != 0 {
			return code
		}
	}
	return code
}

func (f *FS) resolve(cwd, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(cwd, p)
}

func (f *FS) exec(ctx context.Context, c simpleCommand, cwd *string, stdin io.Reader, stdout, stderr io.Writer) int {
	var captured *bytes.Buffer
	out, errOut := stdout, stderr
	if c.redirect != "" {
		captured = &bytes.Buffer{}
		out = captured
		if c.redirect == "/dev/null" {
			out = io.Discard
		}
	}
	if c.mergeStderr {
		errOut = out
	}

	code := f.builtin(ctx, c, cwd, stdin, out, errOut)

	if captured != nil {
		f.WriteFile(f.resolve(*cwd, c.redirect), captured.Bytes(), 0644)
	}
	return code
}

func (f *FS) builtin(ctx context.Context, c simpleCommand, cwd *string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(c.argv) == 0 {
		return 0
	}
	args := c.argv[1:]

	switch c.argv[0] {
	case "true":
		return 0

	case "false":
		return 1

	case "echo":
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0

	case "uptime":
		io.WriteString(stdout, UptimeOutput)
		return 0

	case "cd":
		if len(args) != 1 {
			fmt.Fprintln(stderr, "cd: wrong number of arguments")
			return 1
		}
		dir := f.resolve(*cwd, args[0])
		f.mu.Lock()
		ok := f.dirs[dir]
		f.mu.Unlock()
		if !ok {
			fmt.Fprintf(stderr, "cd: %s: No such file or directory\n", args[0])
			return 1
		}
		*cwd = dir
		return 0

	case "mkdir":
		if len(args) == 0 || args[0] != "-p" {
			fmt.Fprintln(stderr, "mkdir: only -p is supported")
			return 1
		}
		f.mu.Lock()
		for _, a := range args[1:] {
			f.mkdirAll(f.resolve(*cwd, a))
		}
		f.mu.Unlock()
		return 0

	case "cat":
		if len(args) == 0 {
			data, err := io.ReadAll(stdin)
			if err != nil {
				fmt.Fprintf(stderr, "cat: read stdin: %v\n", err)
				return 1
			}
			stdout.Write(data)
			return 0
		}
		for _, a := range args {
			data, ok := f.ReadFile(f.resolve(*cwd, a))
			if !ok {
				fmt.Fprintf(stderr, "cat: %s: No such file or directory\n", a)
				return 1
			}
			stdout.Write(data)
		}
		return 0

	case "chmod":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "chmod: usage: chmod MODE FILE")
			return 1
		}
		mode, err := strconv.ParseUint(args[0], 8, 32)
		if err != nil {
			fmt.Fprintf(stderr, "chmod: invalid mode: %s\n", args[0])
			return 1
		}
		p := f.resolve(*cwd, args[1])
		f.mu.Lock()
		defer f.mu.Unlock()
		fl, ok := f.files[p]
		if !ok {
			fmt.Fprintf(stderr, "chmod: cannot access %s\n", args[1])
			return 1
		}
		fl.mode = fs.FileMode(mode)
		f.files[p] = fl
		return 0

	case "rm":
		if len(args) == 0 || args[0] != "-rf" {
			fmt.Fprintln(stderr, "rm: only -rf is supported")
			return 1
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, a := range args[1:] {
			root := f.resolve(*cwd, a)
			for p := range f.files {
				if under(p, root) {
					delete(f.files, p)
				}
			}
			for p := range f.dirs {
				if under(p, root) {
					delete(f.dirs, p)
				}
			}
		}
		return 0

	case "sleep":
		if len(args) != 1 {
			fmt.Fprintln(stderr, "sleep: missing operand")
			return 1
		}
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			fmt.Fprintf(stderr, "sleep: invalid time interval %s\n", args[0])
			return 1
		}
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
			return 0
		case <-ctx.Done():
			return 137
		}
	}

	return f.runProgram(ctx, c, *cwd, stdout, stderr)
}

func (f *FS) runProgram(ctx context.Context, c simpleCommand, cwd string, stdout, stderr io.Writer) int {
	name := c.argv[0]
	if !strings.Contains(name, "/") {
		fmt.Fprintf(stderr, "sh: %s: command not found\n", name)
		return 127
	}
	p := f.resolve(cwd, name)

	f.mu.Lock()
	fl, ok := f.files[p]
	prog := f.program
	f.mu.Unlock()

	if !ok {
		fmt.Fprintf(stderr, "sh: %s: No such file or directory\n", name)
		return 127
	}
	if fl.mode&0111 == 0 {
		fmt.Fprintf(stderr, "sh: %s: Permission denied\n", name)
		return 126
	}
	return prog(ctx, &Process{Argv: c.argv, Env: c.env, Dir: cwd, FS: f}, stdout, stderr)
}
