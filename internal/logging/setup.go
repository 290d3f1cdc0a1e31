// Package logging builds the slog handlers used by the universal command.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// NewHandler returns a handler for format "text" or "json".
func NewHandler(level, format string, writer io.Writer) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return SetupHandlerText(level, writer), nil
	case "json":
		return SetupHandlerJSON(level, writer), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// SetupHandlerText returns a human readable handler. "trace" behaves like
// debug and also reports the caller.
func SetupHandlerText(level string, writer io.Writer) slog.Handler {
	if writer == nil {
		writer = os.Stderr
	}

	reportCaller := false
	reportTimestamp := true
	lvl := log.InfoLevel
	switch strings.ToLower(level) {
	case "trace":
		reportCaller = true
		lvl = log.DebugLevel
	case "debug":
		lvl = log.DebugLevel
	case "warn", "warning":
		lvl = log.WarnLevel
	case "error":
		lvl = log.ErrorLevel
	}

	return log.NewWithOptions(writer, log.Options{
		ReportTimestamp: reportTimestamp,
		ReportCaller:    reportCaller,
		Level:           lvl,
		Prefix:          "universal",
	})
}

// SetupHandlerJSON returns a JSON handler for log collectors.
func SetupHandlerJSON(level string, writer io.Writer) slog.Handler {
	if writer == nil {
		writer = os.Stdout
	}

	addSource := false
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "trace":
		addSource = true
		lvl = slog.LevelDebug
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	return slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: addSource,
	})
}
