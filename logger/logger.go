// Package logger provides the process-wide structured logger used by every
// other package in refhub: JSON records to a rotating file, leveled package
// functions with caller info attached, and an optional Redis-backed mirror
// of ERROR-level records so a crashed process's last errors remain visible
// to whoever reclaims its resources during orphan recovery.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var l *slog.Logger
var accessLog io.Writer

func logRoot() string {
	if runtime.GOOS == "darwin" {
		return filepath.Join(os.TempDir(), "refhub_logs")
	}
	return "/var/log/refhub_logs"
}

// openRotating returns a rotating writer for name under the first log
// directory that can be created, preferring the system location and falling
// back to ./logs. Returns nil when neither is writable.
func openRotating(name string, maxSizeMB int, compress bool) io.Writer {
	for _, dir := range []string{logRoot(), "./logs"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			continue
		}
		return &lumberjack.Logger{
			Filename:   filepath.Join(dir, name),
			MaxSize:    maxSizeMB,
			MaxBackups: 30,
			MaxAge:     15,
			Compress:   compress,
		}
	}
	return nil
}

// DetectLocalIP returns the first non-loopback IPv4 address, or "unknown".
// Processes use it as a human-recognisable fragment alongside their opaque id.
func DetectLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "unknown"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "unknown"
}

// ErrorSink receives every ERROR-level record logged after it is installed.
type ErrorSink func(entry RedisErrorLogEntry) error

// Init sets up the package logger. Safe to call again with a non-nil sink
// to upgrade an already-running logger once the process id is known.
func Init(sink ErrorSink) *slog.Logger {
	return initLogger(DetectLocalIP(), sink)
}

// InitWithProcessID behaves like Init but tags every record with processID
// instead of the locally-detected IP.
func InitWithProcessID(processID string, sink ErrorSink) *slog.Logger {
	return initLogger(processID, sink)
}

func initLogger(processID string, sink ErrorSink) *slog.Logger {
	w := openRotating("refhub.log", 100, false)
	out := w
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})
	if sink != nil {
		handler = NewRedisErrorLogHandler(handler, processID, sink)
	}

	logger := slog.New(handler).With("process_id", processID)
	slog.SetDefault(logger)
	l = logger
	if w == nil {
		logger.Warn("no writable log directory, logging to stderr")
	}
	return logger
}

// GetAccessLogger returns the rotating access log the api package's echo
// middleware writes to, initializing it on first use. Falls back to stderr
// when no log directory is writable.
func GetAccessLogger() io.Writer {
	if accessLog == nil {
		if w := openRotating("access.log", 50, true); w != nil {
			accessLog = w
		} else {
			accessLog = os.Stderr
		}
	}
	return accessLog
}

func Debug(msg string, args ...any) { emit(slog.LevelDebug, msg, args) }
func Info(msg string, args ...any)  { emit(slog.LevelInfo, msg, args) }
func Warn(msg string, args ...any)  { emit(slog.LevelWarn, msg, args) }
func Error(msg string, args ...any) { emit(slog.LevelError, msg, args) }

func emit(level slog.Level, msg string, args []any) {
	if pc, file, line, ok := runtime.Caller(2); ok {
		name := "unknown"
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
		args = append(args, slog.Group("source", "function", name, "file", file, "line", line))
	}
	l.Log(context.Background(), level, msg, args...)
}

// RedisErrorLogEntry is the shape written to the Redis error-log mirror.
type RedisErrorLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	ProcessID string         `json:"process_id"`
	Function  string         `json:"function,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// RedisErrorLogHandler wraps a slog.Handler and mirrors ERROR+ records to a
// caller-supplied sink (normally a capped Redis list keyed by process id).
type RedisErrorLogHandler struct {
	next      slog.Handler
	processID string
	sink      ErrorSink
}

func NewRedisErrorLogHandler(next slog.Handler, processID string, sink ErrorSink) *RedisErrorLogHandler {
	return &RedisErrorLogHandler{next: next, processID: processID, sink: sink}
}

func (h *RedisErrorLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedisErrorLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := h.next.Handle(ctx, record); err != nil {
		return err
	}

	if record.Level < slog.LevelError || h.sink == nil {
		return nil
	}

	entry := h.buildEntry(record)
	// The mirror must never block or fail a log call.
	go func() {
		if err := h.sink(entry); err != nil {
			fmt.Fprintf(os.Stderr, "failed to mirror error log to redis: %v\n", err)
		}
	}()
	return nil
}

func (h *RedisErrorLogHandler) buildEntry(record slog.Record) RedisErrorLogEntry {
	entry := RedisErrorLogEntry{
		Timestamp: record.Time,
		Level:     record.Level.String(),
		Message:   record.Message,
		ProcessID: h.processID,
		Details:   make(map[string]any),
	}

	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "error" {
			entry.Error = attr.Value.String()
			return true
		}
		if attr.Key == "source" && attr.Value.Kind() == slog.KindGroup {
			for _, a := range attr.Value.Group() {
				switch a.Key {
				case "function":
					entry.Function = a.Value.String()
				case "file":
					entry.File = a.Value.String()
				case "line":
					// slog widens int attrs to int64.
					if n, ok := a.Value.Any().(int64); ok {
						entry.Line = int(n)
					}
				}
			}
			return true
		}
		entry.Details[attr.Key] = attr.Value.Any()
		return true
	})
	return entry
}

func (h *RedisErrorLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedisErrorLogHandler{next: h.next.WithAttrs(attrs), processID: h.processID, sink: h.sink}
}

func (h *RedisErrorLogHandler) WithGroup(name string) slog.Handler {
	return &RedisErrorLogHandler{next: h.next.WithGroup(name), processID: h.processID, sink: h.sink}
}

func init() {
	if l == nil {
		l = Init(nil)
	}
}
