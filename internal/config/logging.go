package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries wire payloads:
// raw planner completions and gateway stream frames. The value -8
// follows the usual convention for extending slog downward.
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel converts the config log_level string to an
// [slog.Level]. Empty means info; unknown values are an error.
func ParseLogLevel(s string) (slog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return slog.LevelInfo, nil
	}
	level, ok := levelNames[name]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("log level %q is not one of trace, debug, info, warn, error", s)
	}
	return level, nil
}

// ReplaceLogLevelNames plugs into [slog.HandlerOptions.ReplaceAttr] to
// render [LevelTrace] as "TRACE". Without it slog prints the level as
// "DEBUG-4".
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
