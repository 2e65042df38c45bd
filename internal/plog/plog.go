// Package plog wires up the proxy's subsystem loggers on top of
// github.com/Eacred/slog, the same backend-and-subsystem-tag logging
// convention the teacher corpus uses, with an optional rotated file sink
// supplied by github.com/jrick/logrotate.
package plog

import (
	"io"
	"os"
	"strings"

	"github.com/Eacred/slog"
	"github.com/jrick/logrotate/rotator"
)

// Manager owns the shared backend every subsystem logger is created from,
// so changing the sink (adding file logging) or the level affects all of
// them uniformly.
type Manager struct {
	backend slog.Backend
	level   slog.Level
	closer  func() error
}

// NewManager builds a Manager writing to stdout, and additionally to a
// rotated file at filePath when logToFile is true. The file rotates by
// size (at 10 MiB), keeping 3 uncompressed old files.
func NewManager(level slog.Level, logToFile bool, filePath string) (*Manager, error) {
	w := io.Writer(os.Stdout)
	var closer func() error

	if logToFile {
		r, err := rotator.New(filePath, 10*1024, false, 3)
		if err != nil {
			return nil, err
		}
		w = io.MultiWriter(os.Stdout, r)
		closer = r.Close
	}

	return &Manager{
		backend: slog.NewBackend(w),
		level:   level,
		closer:  closer,
	}, nil
}

// Logger returns a leveled logger tagged with subsystem, e.g. "UPS1",
// "REG ", "HTTP".
func (m *Manager) Logger(subsystem string) slog.Logger {
	l := m.backend.Logger(subsystem)
	l.SetLevel(m.level)
	return l
}

// Close releases the rotated log file, if one was opened.
func (m *Manager) Close() error {
	if m.closer != nil {
		return m.closer()
	}
	return nil
}

// ParseLevel maps the config file's LOGLEVEL values (spec §6.3) onto
// slog's levels, defaulting to Info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "CRITICAL":
		return slog.LevelCritical
	default:
		return slog.LevelInfo
	}
}
