// Package log builds [slog.Handler]s from command line settings.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

const (
	JSONFormat   = "json"
	TextFormat   = "text"
	PrettyFormat = "pretty"
	AutoFormat   = "auto"
)

// Formats lists the accepted log formats.
var Formats = []string{TextFormat, JSONFormat, PrettyFormat, AutoFormat}

// CreateHandler creates a [slog.Handler] writing to w. An empty format is
// treated as [TextFormat]. [AutoFormat] selects [PrettyFormat] when w is a
// terminal and [TextFormat] otherwise.
func CreateHandler(w io.Writer, logLevel, logFormat string) (slog.Handler, error) {
	level, err := GetLevel(logLevel)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(logFormat)
	if format == AutoFormat {
		format = TextFormat
		if IsTerminal(w) {
			format = PrettyFormat
		}
	}

	switch format {
	case JSONFormat:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
	case TextFormat, "", "logfmt":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}), nil
	case PrettyFormat:
		return charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		}), nil
	}

	return nil, fmt.Errorf("unknown log format %q, expected one of %s", logFormat, strings.Join(Formats, ", "))
}

// GetLevel parses a level name. An empty name is [slog.LevelInfo].
func GetLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	}

	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
