package logger

import (
	"context"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalSugar *zap.SugaredLogger
	globalBase  *zap.Logger
	logFile     *lumberjack.Logger
)

// Options controls where log output goes in addition to stderr.
type Options struct {
	Env        string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// OptionsFromEnv reads LOG_ENV, LOG_FILE, LOG_FILE_MAX_MB and LOG_FILE_MAX_BACKUPS.
func OptionsFromEnv() Options {
	opts := Options{
		Env:        os.Getenv("LOG_ENV"),
		File:       os.Getenv("LOG_FILE"),
		MaxSizeMB:  100,
		MaxBackups: 3,
	}
	if v, err := strconv.Atoi(os.Getenv("LOG_FILE_MAX_MB")); err == nil && v > 0 {
		opts.MaxSizeMB = v
	}
	if v, err := strconv.Atoi(os.Getenv("LOG_FILE_MAX_BACKUPS")); err == nil && v >= 0 {
		opts.MaxBackups = v
	}
	return opts
}

// Init initializes a global zap logger. The env can be "production" or "development" (default).
// It also redirects the stdlib log output to zap so existing log.Printf calls are captured.
func Init(env string) (*zap.SugaredLogger, error) {
	return InitWithOptions(Options{Env: env})
}

// InitWithOptions is Init plus an optional rotated file sink.
func InitWithOptions(opts Options) (*zap.SugaredLogger, error) {
	if globalSugar != nil && globalBase != nil {
		return globalSugar, nil
	}

	var cfg zap.Config
	if strings.EqualFold(opts.Env, "prod") || strings.EqualFold(opts.Env, "production") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	if opts.File != "" {
		logFile = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB, // megabytes
			MaxBackups: opts.MaxBackups,
		}
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(logFile),
			cfg.Level,
		)
		base = base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	zap.ReplaceGlobals(base)
	_ = zap.RedirectStdLog(base) // route log.Printf to zap

	globalBase = base
	globalSugar = base.Sugar()
	return globalSugar, nil
}

// L returns the global sugared logger, initializing it on first use.
func L() *zap.SugaredLogger {
	if globalSugar == nil {
		Base()
	}
	return globalSugar
}

// Base returns the base *zap.Logger (non-sugared).
func Base() *zap.Logger {
	if globalBase == nil {
		if _, err := Init(os.Getenv("LOG_ENV")); err != nil {
			base, _ := zap.NewDevelopment()
			globalBase = base
			globalSugar = base.Sugar()
		}
	}
	return globalBase
}

// ForCall returns a child logger carrying the call id.
func ForCall(callID string) *zap.Logger {
	return Base().With(zap.String("call_id", callID))
}

// Info logs with context and fields.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Base().With(fields...).Info(msg)
}

// Warn logs with context and fields.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Base().With(fields...).Warn(msg)
}

// Error logs with context and fields.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Base().With(fields...).Error(msg)
}

// Sync flushes any buffered log entries and closes the rotated file.
func Sync() {
	if globalSugar != nil {
		_ = globalSugar.Sync()
	}
	if globalBase != nil {
		_ = globalBase.Sync()
	}
	if logFile != nil {
		_ = logFile.Close()
	}
}
