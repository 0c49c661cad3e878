package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.log")

	got, err := Init(path)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got != path {
		t.Errorf("expected path %s, got %s", path, got)
	}

	log.Printf("[test] hello from the run log")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello from the run log") {
		t.Errorf("log file missing message, got: %s", data)
	}
}

func TestInitTeesToStdout(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	stdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = stdout }()

	path := filepath.Join(t.TempDir(), "run.log")
	if _, err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	log.Printf("[test] visible on the console")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	w.Close()

	console, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if !strings.Contains(string(console), "visible on the console") {
		t.Errorf("stdout missing message, got: %q", console)
	}
	if log.Writer() != os.Stderr {
		t.Error("Close did not restore stderr output")
	}
}

func TestInitEmptyPath(t *testing.T) {
	if _, err := Init(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestCloseWithoutInit(t *testing.T) {
	if err := Close(); err != nil {
		t.Errorf("Close without Init should not error: %v", err)
	}
}
