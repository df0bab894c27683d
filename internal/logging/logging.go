// Package logging builds the structured logger shared by the server
// and client gateway (SPEC_FULL.md §10.1).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/RackSec/srslog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/avro-ipc/avrorpc/internal/config"
)

// New builds a JSON slog.Logger writing to stdout and, when enabled,
// a rotated file and/or a remote syslog collector. The returned
// *slog.LevelVar lets internal/reload adjust the level live without
// rebuilding the logger.
func New(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	writers := []io.Writer{os.Stdout}

	if cfg.File.Enabled {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}

	if cfg.Syslog.Enabled {
		w, err := srslog.Dial(cfg.Syslog.Network, cfg.Syslog.Address, srslog.LOG_INFO|srslog.LOG_DAEMON, "avrorpc")
		if err != nil {
			return nil, nil, fmt.Errorf("dial syslog sink: %w", err)
		}
		writers = append(writers, w)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	return slog.New(handler), level, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ApplyLevel updates level from a freshly loaded config string; an
// unrecognized value sets info (parseLevel's fallback) rather than
// panicking — used by the
// fsnotify-driven hot reload of logging.level.
func ApplyLevel(level *slog.LevelVar, cfgLevel string) {
	level.Set(parseLevel(cfgLevel))
}

// WithClientHash annotates a logger with the handshake's hex client
// protocol fingerprint, carried on every log line for a connection
// per SPEC_FULL.md §10.1.
func WithClientHash(logger *slog.Logger, clientHash string) *slog.Logger {
	return logger.With(slog.String("clientHash", clientHash))
}

// WithMessage further annotates a logger with the dispatched message
// name, once the CallRequest has been decoded.
func WithMessage(logger *slog.Logger, message string) *slog.Logger {
	return logger.With(slog.String("message", message))
}
