package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Format selects the log output encoding.
const (
	FormatAuto = "auto" // tinted console on a terminal, JSON otherwise
	FormatText = "text"
	FormatJSON = "json"
)

// Setup builds the process logger: a tinted console handler when writing to
// a terminal, JSON when the output is a pipe or file, both wrapped so context
// correlation IDs appear on every record.
func Setup(level, format string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)

	var inner slog.Handler
	switch strings.ToLower(format) {
	case FormatJSON:
		inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case FormatText:
		inner = tint.NewHandler(w, &tint.Options{
			NoColor:    !isTerminal(w),
			TimeFormat: time.Kitchen,
			Level:      lvl,
		})
	default:
		if isTerminal(w) {
			inner = tint.NewHandler(w, &tint.Options{
				TimeFormat: time.Kitchen,
				Level:      lvl,
			})
		} else {
			inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
		}
	}

	return slog.New(NewCorrelationHandler(inner))
}

// ParseLevel maps a level name to its slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
