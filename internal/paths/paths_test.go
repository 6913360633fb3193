package paths

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")
	got := ConfigDir()
	want := filepath.Join("/tmp/xdg-config", "seneschal")
	if got != want {
		t.Errorf("ConfigDir() = %q, want %q", got, want)
	}
}

func TestDataDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	got := DataDir()
	want := filepath.Join("/tmp/xdg-data", "seneschal")
	if got != want {
		t.Errorf("DataDir() = %q, want %q", got, want)
	}
}

func TestDefaultStateDBUnderDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	got := DefaultStateDB()
	if !strings.HasPrefix(got, filepath.Join("/tmp/xdg-data", "seneschal")) {
		t.Errorf("DefaultStateDB() = %q, want it under the data dir", got)
	}
	if filepath.Base(got) != "state.db" {
		t.Errorf("DefaultStateDB() = %q, want basename state.db", got)
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	tests := []struct {
		in   string
		want string
	}{
		{"~", "/home/tester"},
		{"~/notes/db.sqlite", "/home/tester/notes/db.sqlite"},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~user/path", "~user/path"}, // other users' homes are not expanded
	}

	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
