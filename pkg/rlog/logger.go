// Package rlog provides the structured logging sink shared by every
// worker in an acquisition run. All workers write into the same
// *slog.Logger; there is no separate dispatch goroutine because
// slog's handler already serializes concurrent writes.
package rlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Level is the logging verbosity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category marks a debug sub-area so operators can enable verbose output
// for one subsystem (e.g. the MCU wire protocol) without drowning in
// capture-loop noise.
type Category string

const (
	CategorySchedule Category = "schedule"
	CategoryMCU      Category = "mcu"
	CategoryCapture  Category = "capture"
	CategoryEncode   Category = "encode"
	CategoryDisplay  Category = "display"
	CategoryAll      Category = "all"
)

// Format is the log output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logger configuration.
type Config struct {
	Level             Level
	Format            Format
	OutputFile        string
	EnabledCategories map[Category]bool
}

// NewConfig returns sensible defaults: info level, text format, stdout.
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		EnabledCategories: make(map[Category]bool),
	}
}

// ParseLevel converts a flag value into a Level.
func ParseLevel(level string) (Level, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a flag value into a Format.
func ParseFormat(format string) (Format, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT", "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger wraps slog.Logger with category-gated debug helpers.
type Logger struct {
	*slog.Logger
	cfg  *Config
	file *os.File
}

// New builds a Logger from cfg, opening cfg.OutputFile if set.
func New(cfg *Config) (*Logger, error) {
	var w io.Writer = os.Stdout
	var f *os.File

	if cfg.OutputFile != "" {
		var err error
		f, err = os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		w = f
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.toSlog()}

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), cfg: cfg, file: f}, nil
}

// Close closes the underlying log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a derived Logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), cfg: l.cfg, file: l.file}
}

// IsCategoryEnabled reports whether verbose logging is on for category.
func (l *Logger) IsCategoryEnabled(c Category) bool {
	if l.cfg == nil {
		return false
	}
	return l.cfg.EnabledCategories[c] || l.cfg.EnabledCategories[CategoryAll]
}

// Debugc logs at debug level tagged with category, only when enabled.
func (l *Logger) Debugc(cat Category, msg string, args ...any) {
	if !l.IsCategoryEnabled(cat) {
		return
	}
	args = append([]any{"category", string(cat)}, args...)
	l.Debug(msg, args...)
}

// EnableCategory turns on verbose logging for a category (CategoryAll
// enables every known category).
func (c *Config) EnableCategory(cat Category) {
	if cat == CategoryAll {
		c.EnabledCategories[CategorySchedule] = true
		c.EnabledCategories[CategoryMCU] = true
		c.EnabledCategories[CategoryCapture] = true
		c.EnabledCategories[CategoryEncode] = true
		c.EnabledCategories[CategoryDisplay] = true
		return
	}
	c.EnabledCategories[cat] = true
}
