package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

// clearUmask sets the process umask to 0 so file permission assertions
// are deterministic. It restores the original umask when the test
// completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInitFreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	cfgPath := filepath.Join(dir, "seneschal.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("seneschal.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o644 {
		t.Errorf("seneschal.yaml permissions = %o, want 0644", got)
	}

	content, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	for _, section := range []string{"gateway:", "planner:", "state_db:", "listen:"} {
		if !strings.Contains(string(content), section) {
			t.Errorf("starter config missing %q section", section)
		}
	}

	if !strings.Contains(buf.String(), "seneschal.yaml") {
		t.Error("output does not mention the created file")
	}
}

func TestRunInitSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "seneschal.yaml")

	custom := []byte("log_level: debug\n")
	if err := os.WriteFile(cfgPath, custom, 0o644); err != nil {
		t.Fatalf("pre-write config: %v", err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	content, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !bytes.Equal(content, custom) {
		t.Error("runInit overwrote an existing config")
	}
}

func TestRunInitCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "workdir")
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "seneschal.yaml")); err != nil {
		t.Errorf("config not created in nested dir: %v", err)
	}
}
