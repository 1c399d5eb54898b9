// Package logging builds the structured loggers shared by every component.
//
//	root, err := logging.New(os.Stderr, "info", "text")
//	log := logging.Component(root, "resolver")
//	log.Info("resolved", "key", key, "samples", n)
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
)

// New returns a root logger writing to w. format is one of text, json or
// logfmt.
func New(w io.Writer, level, format string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var formatter log.Formatter
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
	}), nil
}

// Component returns a child of root prefixed with name. A nil root falls
// back to the package default logger.
func Component(root *log.Logger, name string) *log.Logger {
	if root == nil {
		root = log.Default()
	}
	return root.WithPrefix(name)
}

// Discard returns a logger that drops everything, for tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
