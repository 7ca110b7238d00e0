// Package logging builds the *log.Logger the daemon writes through. Lines
// carry a level tag such as "[INFO]" and are dropped below the configured
// level.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rclone/gonexus/config"
)

// Log levels, in increasing severity
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levels = map[string]int{
	"DEBUG": LevelDebug,
	"INFO":  LevelInfo,
	"WARN":  LevelWarn,
	"ERROR": LevelError,
}

// Discard is a logger which writes nothing
var Discard = log.New(io.Discard, "", 0)

// ParseLevel parses a level name
func ParseLevel(s string) (int, error) {
	l, ok := levels[strings.ToUpper(s)]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// levelWriter drops lines tagged below min. Untagged lines are kept.
type levelWriter struct {
	w   io.Writer
	min int
}

// lineLevel finds the tag of a formatted log line
func lineLevel(p []byte) (int, bool) {
	start := bytes.IndexByte(p, '[')
	if start < 0 {
		return 0, false
	}
	end := bytes.IndexByte(p[start:], ']')
	if end < 0 {
		return 0, false
	}
	l, ok := levels[string(p[start+1:start+end])]
	return l, ok
}

func (lw *levelWriter) Write(p []byte) (int, error) {
	if l, ok := lineLevel(p); ok && l < lw.min {
		return len(p), nil
	}
	return lw.w.Write(p)
}

// NewWriter wraps w so that lines below level are dropped
func NewWriter(w io.Writer, level int) io.Writer {
	return &levelWriter{w: w, min: level}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger configured by cfg. The closer releases the log file,
// if any.
func New(cfg config.LoggingConfig) (*log.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    *os.File
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open log file: %w", err)
		}
		out, closer = f, f
	}

	flags := log.LstdFlags | log.Lmicroseconds
	if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
		flags = log.Ltime
	}
	return log.New(NewWriter(out, level), "gonexus: ", flags), closer, nil
}
