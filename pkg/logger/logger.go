// Package logger provides a centralized logging configuration for worktime
package logger

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	worktimeLogger *zap.Logger
	// level is shared by every core built by Initialize so it can change at runtime
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// LogConfig holds the logging configuration
type LogConfig struct {
	Level       string
	OutputPath  string
	MaxSize     int // megabytes
	MaxBackups  int
	MaxAge      int // days
	Compress    bool
	Development bool
	EnableJSON  bool
}

// DefaultLogPath returns the rotating log file location under the XDG state dir
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "worktime", "logs", "worktime.log")
}

// DefaultConfig returns the default logging configuration
func DefaultConfig() *LogConfig {
	return &LogConfig{
		Level:      "info",
		OutputPath: DefaultLogPath(),
		MaxSize:    20,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// Initialize sets up the global logger with the given configuration. The
// file always gets uncolored output so 'worktime logs' can parse it; in
// development mode a colored copy goes to stderr.
func Initialize(cfg *LogConfig) error {
	SetLevel(cfg.Level)

	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0755); err != nil {
		return err
	}
	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.OutputPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})

	var fileEncoder zapcore.Encoder
	if cfg.EnableJSON {
		fileEncoder = zapcore.NewJSONEncoder(encoderConfig())
	} else {
		fileEncoder = zapcore.NewConsoleEncoder(encoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(fileEncoder, file, level)}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if cfg.Development {
		console := encoderConfig()
		console.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(console), zapcore.Lock(os.Stderr), level))
		opts = append(opts, zap.Development())
	}

	worktimeLogger = zap.New(zapcore.NewTee(cores...), opts...)
	zap.ReplaceGlobals(worktimeLogger)
	return nil
}

// SetLevel changes the level of the global logger. Unknown names select info.
func SetLevel(name string) {
	l, err := zapcore.ParseLevel(name)
	if err != nil {
		l = zapcore.InfoLevel
	}
	level.SetLevel(l)
}

// Level returns the current level of the global logger
func Level() zapcore.Level {
	return level.Level()
}

// Get returns the global logger instance
func Get() *zap.Logger {
	if worktimeLogger == nil {
		if err := Initialize(DefaultConfig()); err != nil {
			worktimeLogger = zap.NewNop()
		}
	}
	return worktimeLogger
}

// Set replaces the global logger, mainly for tests
func Set(l *zap.Logger) {
	worktimeLogger = l
}

// Sync flushes any buffered log entries
func Sync() error {
	if worktimeLogger != nil {
		return worktimeLogger.Sync()
	}
	return nil
}
