// Package logger configures the process-wide log/slog logger shared by
// every orchestration component. It adds two things slog doesn't give
// you out of the box: a handler that mutes third-party library chatter
// unless the level is debug, and a couple of compact text renderings
// for terminals that don't want the full key=value treatment.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const modulePathPrefix = "github.com/flowmesh/orchestra"

// ParseLevel converts a string log level to slog.Level. Valid levels:
// debug, info, warn, error. Anything else is treated as warn.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, nil
	}
}

// ownCodeFilter wraps a slog.Handler and drops records emitted by
// dependencies once the configured level is above debug, so a busy
// third-party client library doesn't drown out the orchestrator's own
// logs. At debug level nothing is filtered.
type ownCodeFilter struct {
	next     slog.Handler
	minLevel slog.Level
}

func (f *ownCodeFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= f.minLevel && f.next.Enabled(ctx, level)
}

func (f *ownCodeFilter) Handle(ctx context.Context, record slog.Record) error {
	if f.minLevel <= slog.LevelDebug || originatesInModule(record.PC) {
		return f.next.Handle(ctx, record)
	}
	return nil
}

func (f *ownCodeFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ownCodeFilter{next: f.next.WithAttrs(attrs), minLevel: f.minLevel}
}

func (f *ownCodeFilter) WithGroup(name string) slog.Handler {
	return &ownCodeFilter{next: f.next.WithGroup(name), minLevel: f.minLevel}
}

// originatesInModule reports whether pc's call site lies somewhere
// under this module, by function name or source path.
func originatesInModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), modulePathPrefix) || strings.Contains(file, "orchestra/")
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func normalizeLevelText(level slog.Level) string {
	s := strings.ToUpper(level.String())
	if s == "WARNING" {
		s = "WARN"
	}
	return s
}

// compactHandler renders "LEVEL message key=val ..." lines, optionally
// prefixed with a timestamp and wrapped in ANSI color, for terminals
// where the stock text handler's layout is more than needed.
type compactHandler struct {
	out        io.Writer
	color      bool
	withTime   bool
	groupAttrs []slog.Attr
}

func (h *compactHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *compactHandler) Handle(_ context.Context, record slog.Record) error {
	var buf strings.Builder

	if h.withTime && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	levelText := normalizeLevelText(record.Level)
	if h.color {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(levelText)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(levelText)
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	for _, a := range h.groupAttrs {
		writeAttr(&buf, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, a)
		return true
	})
	buf.WriteString("\n")

	_, err := h.out.Write([]byte(buf.String()))
	return err
}

func writeAttr(buf *strings.Builder, a slog.Attr) {
	buf.WriteString(" ")
	buf.WriteString(a.Key)
	buf.WriteString("=")
	buf.WriteString(a.Value.String())
}

func (h *compactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.groupAttrs = append(append([]slog.Attr{}, h.groupAttrs...), attrs...)
	return &cp
}

func (h *compactHandler) WithGroup(string) slog.Handler {
	return h // groups aren't represented in the compact line format
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Init installs the process-wide slog logger. format selects the
// rendering: "simple" (level + message, the default), "verbose" (adds a
// timestamp), or anything else to fall back to slog's own text handler.
// Color is used automatically when output is a terminal.
func Init(level slog.Level, output *os.File, format string) {
	var base slog.Handler
	switch format {
	case "simple", "":
		base = &compactHandler{out: output, color: isTerminal(output), withTime: false}
	case "verbose":
		base = &compactHandler{out: output, color: isTerminal(output), withTime: true}
	default:
		base = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	}

	defaultLogger = slog.New(&ownCodeFilter{next: base, minLevel: level})
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens or creates a log file at path in append mode,
// returning the file and a cleanup func to close it.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// GetLogger returns the process-wide logger, lazily initializing it at
// info level to stderr if Init was never called.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}
