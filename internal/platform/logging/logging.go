// Package logging builds the zerolog loggers used by every command.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger together with the debug log file it tees to.
type Logger struct {
	zerolog.Logger
	file *os.File
	path string
}

// New returns a logger writing to stdout and, when logDir is not empty, to
// <logDir>/<name>_debug.log. Console output is human readable in development.
func New(stdout io.Writer, logDir, name string, dev bool) (*Logger, error) {
	var console io.Writer = stdout
	if dev {
		console = zerolog.ConsoleWriter{Out: stdout}
	}

	l := &Logger{}
	writers := []io.Writer{console}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		l.path = filepath.Join(logDir, name+"_debug.log")
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Str("command", name).Logger()
	return l, nil
}

// Path is the debug log file path, or "" when logging only to stdout.
func (l *Logger) Path() string { return l.path }

// Close flushes and closes the debug log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
