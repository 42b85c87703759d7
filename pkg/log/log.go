package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Format selects the log encoding
type Format string

const (
	FormatAuto    Format = ""
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config holds logging configuration
type Config struct {
	Level  Level
	Format Format
	// Output defaults to stderr; stdout carries the daemon log stream
	Output io.Writer
}

// ParseLevel maps a level name to a Level, defaulting to info
func ParseLevel(s string) Level {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		return WarnLevel
	}
	if _, ok := zerologLevels[l]; ok {
		return l
	}
	return InfoLevel
}

// Init replaces the global logger
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !useJSON(cfg.Format, out) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// useJSON picks JSON unless the format says otherwise or the output is a terminal
func useJSON(format Format, output io.Writer) bool {
	switch format {
	case FormatJSON:
		return true
	case FormatConsole:
		return false
	}
	f, ok := output.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode creates a child logger with node field
func WithNode(node string) zerolog.Logger {
	return Logger.With().Str("node", node).Logger()
}

// WithDaemon creates a child logger with daemon field
func WithDaemon(tag string) zerolog.Logger {
	return Logger.With().Str("daemon", tag).Logger()
}
