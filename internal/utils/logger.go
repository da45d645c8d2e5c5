package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // Cyan
	slog.LevelInfo:  "\033[32m", // Green
	slog.LevelWarn:  "\033[33m", // Yellow
	slog.LevelError: "\033[31m", // Red
}

const colorReset = "\033[0m"

// FileConfig enables a rotating log file next to the console output.
type FileConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// LoggerConfig configures a logger instance
type LoggerConfig struct {
	Level      string // debug, info, warn, error
	Format     string // pretty, text or json
	Component  string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	TimeFormat string
	File       FileConfig
}

// DefaultLoggerConfig returns sensible defaults
func DefaultLoggerConfig(component string) LoggerConfig {
	return LoggerConfig{
		Level:      "info",
		Format:     "pretty",
		Component:  component,
		Output:     os.Stdout,
		Colorize:   true,
		TimeFormat: "15:04:05.000",
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// NewLogger builds a slog logger. The returned closer releases the log file
// and is never nil.
func NewLogger(config LoggerConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.TimeFormat == "" {
		config.TimeFormat = "15:04:05.000"
	}

	out := config.Output
	var closer io.Closer = nopCloser{}
	if config.File.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		}
		out = io.MultiWriter(config.Output, rotator)
		closer = rotator
		// Escape codes do not belong in files.
		config.Colorize = false
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: config.ShowCaller}
	var handler slog.Handler
	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	case "", "pretty":
		handler = &prettyHandler{
			out:        out,
			mu:         &sync.Mutex{},
			level:      level,
			colorize:   config.Colorize,
			showCaller: config.ShowCaller,
			timeFormat: config.TimeFormat,
		}
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", config.Format)
	}

	logger := slog.New(handler)
	if config.Component != "" {
		logger = logger.With("component", config.Component)
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// prettyHandler writes "[TIME] [LEVEL] [COMPONENT] message key=value" lines.
type prettyHandler struct {
	out        io.Writer
	mu         *sync.Mutex
	level      slog.Level
	colorize   bool
	showCaller bool
	timeFormat string

	component string
	prefix    string
	attrs     []slog.Attr
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	for _, a := range attrs {
		if a.Key == "component" && h.prefix == "" {
			clone.component = a.Value.String()
		}
	}
	return &clone
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	if h.colorize {
		b.WriteString(colorFor(r.Level))
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString("[")
	b.WriteString(ts.Format(h.timeFormat))
	b.WriteString("] ")

	fmt.Fprintf(&b, "[%-5s] ", r.Level.String())

	if h.component != "" {
		b.WriteString("[")
		b.WriteString(h.component)
		b.WriteString("] ")
	}

	b.WriteString(r.Message)

	for _, a := range h.attrs {
		if a.Key == "component" {
			continue
		}
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.prefix, a)
		return true
	})

	if h.showCaller && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		parts := strings.Split(f.File, "/")
		fmt.Fprintf(&b, " (%s:%d)", parts[len(parts)-1], f.Line)
	}

	if h.colorize {
		b.WriteString(colorReset)
	}
	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func colorFor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return levelColors[slog.LevelError]
	case level >= slog.LevelWarn:
		return levelColors[slog.LevelWarn]
	case level >= slog.LevelInfo:
		return levelColors[slog.LevelInfo]
	default:
		return levelColors[slog.LevelDebug]
	}
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, prefix+a.Key+".", ga)
		}
		return
	}
	b.WriteString(" ")
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteString("=")
	b.WriteString(formatValue(a.Value))
}

// formatValue quotes strings and errors and renders times and durations
// compactly.
func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return fmt.Sprintf("%q", v.String())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return fmt.Sprintf("%q", err.Error())
		}
		return fmt.Sprintf("%v", v.Any())
	default:
		return v.String()
	}
}
