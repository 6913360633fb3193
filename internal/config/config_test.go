package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return file
}

func TestFindConfig_ExplicitPath(t *testing.T) {
	file := writeConfigFile(t, "mine.yaml", "log_level: info\n")

	got, err := FindConfig(file)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != file {
		t.Errorf("got %q, want the explicit path %q", got, file)
	}
}

func TestFindConfig_ExplicitPathMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing explicit path")
	}
}

func TestFindConfig_NothingFound(t *testing.T) {
	// An empty cwd and empty XDG dir leave no candidate to find.
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", dir)

	if _, err := FindConfig(""); err == nil {
		t.Fatal("expected an error when no candidate exists")
	}
}

func TestFindConfig_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "seneschal.yaml"), []byte("timezone: UTC\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != "seneschal.yaml" {
		t.Errorf("got %q, want the cwd candidate seneschal.yaml", got)
	}
}

func TestLoad_EnvSubstitution(t *testing.T) {
	file := writeConfigFile(t, "config.yaml", "gateway:\n  api_key: ${SENESCHAL_TEST_KEY}\n")
	t.Setenv("SENESCHAL_TEST_KEY", "secret123")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.APIKey != "secret123" {
		t.Errorf("api_key = %q, want the substituted value", cfg.Gateway.APIKey)
	}
}

func TestLoad_LiteralSecrets(t *testing.T) {
	file := writeConfigFile(t, "config.yaml", "forge:\n  token: ghp-test-token\n")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Forge.Token != "ghp-test-token" {
		t.Errorf("token = %q, want the literal from the file", cfg.Forge.Token)
	}
}

func TestLoad_DefaultsSurviveUnrelatedKeys(t *testing.T) {
	file := writeConfigFile(t, "config.yaml", "log_level: debug\n")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Proactive.TickInterval != 2*time.Minute {
		t.Errorf("tick_interval = %v, want default 2m", cfg.Proactive.TickInterval)
	}
	if cfg.Gateway.Session != "default" {
		t.Errorf("gateway.session = %q, want default", cfg.Gateway.Session)
	}
}

func TestLocation_Default(t *testing.T) {
	cfg := Default()
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location error: %v", err)
	}
	if loc != time.Local {
		t.Errorf("Location() = %v, want time.Local", loc)
	}
}

func TestLocation_Invalid(t *testing.T) {
	cfg := Default()
	cfg.Timezone = "Not/AZone"
	if _, err := cfg.Location(); err == nil {
		t.Fatal("Location with bad zone should error")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"  Debug ", slog.LevelDebug, false},
		{"WARNING", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	attr := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, attr)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", got.Value.String())
	}

	info := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	if got := ReplaceLogLevelNames(nil, info); got.Value.Any() != any(slog.LevelInfo) {
		t.Errorf("info level should pass through unchanged, got %v", got.Value)
	}
}
