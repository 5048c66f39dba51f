// Package observability holds the process-wide logger and metrics registry.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by CLI commands. It is a no-op logger until
// InitCLILogger or SetLogger is called.
var CLILogger = zap.NewNop()

var loggerMu sync.Mutex

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// LogConfig selects level, encoding and destination of a logger.
type LogConfig struct {
	Level   string
	Profile string
	// File enables a rotated log file in addition to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitCLILogger configures CLILogger for interactive commands: console
// encoding on stderr, debug when verbose.
func InitCLILogger(name string, verbose bool) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(name, LogConfig{Level: level, Profile: ProfileConsole})
	if err != nil {
		return
	}
	SetLogger(logger)
}

// SetLogger replaces CLILogger and the zap globals.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	CLILogger = logger
	zap.ReplaceGlobals(logger)
}

// NewLogger builds a named logger from cfg.
func NewLogger(name string, cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		if strings.TrimSpace(cfg.Level) != "" {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(cfg.Profile)) {
	case "", ProfileStructured:
		encoder = zapcore.NewJSONEncoder(encCfg)
	case ProfileConsole:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log profile %q (expected structured or console)", cfg.Profile)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}
	if path := strings.TrimSpace(cfg.File); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if name != "" {
		logger = logger.Named(name)
	}
	return logger, nil
}

// Or returns logger, or a no-op logger when it is nil.
func Or(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
