package logger

import (
	"io"
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}

// Install makes l the global zap logger, used by the package-level session
// functions. The returned func restores the previous logger.
func Install(l *zap.Logger) func() {
	return zap.ReplaceGlobals(l)
}

// NewSlog returns the structured logger handed to the device layer, writing
// text to stderr at the same level as New.
func NewSlog(verbosity string) (*slog.Logger, error) {
	return newSlog(os.Stderr, verbosity)
}

func newSlog(w io.Writer, verbosity string) (*slog.Logger, error) {
	level, err := zapcore.ParseLevel(verbosity)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel(level)})), nil
}

func slogLevel(l zapcore.Level) slog.Level {
	switch {
	case l <= zapcore.DebugLevel:
		return slog.LevelDebug
	case l == zapcore.InfoLevel:
		return slog.LevelInfo
	case l == zapcore.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
