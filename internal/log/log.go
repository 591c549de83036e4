// Package log is the structured logger every component writes through.
// Records carry a component name and a field map. Fields that could hold a
// credential are masked before they reach the handler, so callers log tokens
// by fingerprint only.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LevelTrace is a custom trace level below debug
const LevelTrace = slog.Level(-8)

const redacted = "[redacted]"

var levelNames = map[string]slog.Level{
	"error": slog.LevelError,
	"warn":  slog.LevelWarn,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
	"trace": LevelTrace,
}

// sensitiveKeys are field names whose values are never written.
var sensitiveKeys = map[string]bool{
	"access_token":  true,
	"accesstoken":   true,
	"id_token":      true,
	"idtoken":       true,
	"refresh_token": true,
	"refreshtoken":  true,
	"code":          true,
	"code_verifier": true,
	"codeverifier":  true,
	"authorization": true,
	"token":         true,
}

var (
	currentLevel atomic.Value // slog.Level

	outputMu sync.Mutex
	output   io.Writer = os.Stderr
)

func init() {
	level, err := parseLevel(envSetting("LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	currentLevel.Store(level)
	updateHandler()
}

// envSetting reads FIELDCAPTURE_<name>, falling back to the bare name.
func envSetting(name string) string {
	if v, ok := os.LookupEnv("FIELDCAPTURE_" + name); ok {
		return v
	}
	return os.Getenv(name)
}

func parseLevel(s string) (slog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		name = "warn"
	}
	level, ok := levelNames[name]
	if !ok {
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
	return level, nil
}

// maskAttr renders the trace level by name, masks credential fields and
// writes the timestamp under timeKey.
func maskAttr(timeKey string, stamp func(time.Time) string) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch {
		case a.Key == slog.TimeKey:
			return slog.String(timeKey, stamp(a.Value.Time()))
		case a.Key == slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
		case sensitiveKeys[strings.ToLower(a.Key)]:
			if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
				return a
			}
			return slog.String(a.Key, redacted)
		}
		return a
	}
}

func updateHandler() {
	outputMu.Lock()
	w := output
	outputMu.Unlock()

	opts := &slog.HandlerOptions{Level: currentLevel.Load().(slog.Level)}
	var handler slog.Handler
	if strings.EqualFold(envSetting("LOG_FORMAT"), "json") {
		opts.ReplaceAttr = maskAttr("timestamp", func(t time.Time) string {
			return t.UTC().Format(time.RFC3339Nano)
		})
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.ReplaceAttr = maskAttr(slog.TimeKey, func(t time.Time) string {
			return t.Format("2006-01-02 15:04:05.000-07:00")
		})
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// SetOutput redirects log output so the CLI can keep stdout for results.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
	updateHandler()
}

// SetLogLevel changes the level at runtime.
func SetLogLevel(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	currentLevel.Store(lvl)
	updateHandler()

	LogDebugWithFields("logging", "Log level changed", map[string]any{"level": level})
	return nil
}

// GetLogLevel returns the current level name.
func GetLogLevel() string {
	lvl := currentLevel.Load().(slog.Level)
	for name, l := range levelNames {
		if l == lvl {
			return name
		}
	}
	return "unknown"
}

func LogError(format string, args ...any) {
	slog.Default().Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	slog.Default().Warn(fmt.Sprintf(format, args...))
}

func logWithFields(level slog.Level, component, message string, fields map[string]any) {
	logger := slog.Default()
	if !logger.Enabled(context.Background(), level) {
		return
	}
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	logger.Log(context.Background(), level, message, args...)
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelInfo, component, message, fields)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelDebug, component, message, fields)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelError, component, message, fields)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelWarn, component, message, fields)
}

func LogTraceWithFields(component, message string, fields map[string]any) {
	logWithFields(LevelTrace, component, message, fields)
}
