// Package logger wraps zap behind a process-wide sugared logger with
// optional file rotation.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level, sinks and file rotation.
type Config struct {
	Level      string // debug, info, warn, error
	Output     string // console, file, both
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var sugared *zap.SugaredLogger

// Init builds the process logger from cfg. Safe to call once at startup.
func Init(cfg Config) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	var cores []zapcore.Core

	output := strings.ToLower(cfg.Output)
	if (output == "file" || output == "both") && cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	sugared = zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
}

// S returns the process logger, falling back to a development logger when
// Init has not run (tests, scripts).
func S() *zap.SugaredLogger {
	if sugared == nil {
		l, _ := zap.NewDevelopment()
		return l.Sugar()
	}
	return sugared
}

// Sync flushes buffered log entries.
func Sync() {
	if sugared != nil {
		_ = sugared.Sync()
	}
}
