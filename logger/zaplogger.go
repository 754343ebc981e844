package logger

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	zapLogger   *zap.Logger
	zapOnce     sync.Once
	atomicLevel zap.AtomicLevel
)

// Environment variables read by the lazy zap initializer.
const (
	EnvAppEnv    = "APP_ENV"
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT" // json | console
)

// initZap builds the global zap logger lazily.
func initZap() {
	zapOnce.Do(func() {
		env := os.Getenv(EnvAppEnv)
		if env == "" {
			env = "development"
		}

		// Level (use atomic for runtime changes)
		atomicLevel = zap.NewAtomicLevel()
		atomicLevel.SetLevel(parseZapLevel(strings.ToLower(os.Getenv(EnvLogLevel)), env))

		format := strings.ToLower(os.Getenv(EnvLogFormat))
		if format == "" {
			if env == "production" || env == "prod" {
				format = "json"
			} else {
				format = "console"
			}
		}

		encoderCfg := zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stack",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     iso8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}

		var enc zapcore.Encoder
		if format == "json" {
			enc = zapcore.NewJSONEncoder(encoderCfg)
		} else {
			enc = zapcore.NewConsoleEncoder(encoderCfg)
		}

		core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atomicLevel)

		opts := []zap.Option{}
		if env != "production" && env != "prod" {
			opts = append(opts, zap.AddCaller(), zap.Development())
		} else {
			// In production capture stack only for errors & above
			opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
		}

		zapLogger = zap.New(core, opts...)
	})
}

// parseZapLevel maps string to zapcore.Level (defaulting by environment when empty).
func parseZapLevel(lvl string, env string) zapcore.Level {
	if lvl == "" {
		if env == "production" || env == "prod" {
			return zapcore.InfoLevel
		}
		return zapcore.DebugLevel
	}
	switch lvl {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func iso8601TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02T15:04:05Z07:00"))
}

// Zap returns the base *zap.Logger
func Zap() *zap.Logger {
	initZap()
	return zapLogger
}

// ZapForComponent returns a sugared logger tagged with the SDK component name.
func ZapForComponent(component string) *zap.SugaredLogger {
	initZap()
	return zapLogger.With(zap.String("component", component)).Sugar()
}

// SetLevel changes the log level at runtime (e.g., SetLevel("debug")).
func SetLevel(level string) error {
	initZap()
	switch strings.ToLower(level) {
	case "debug":
		atomicLevel.SetLevel(zapcore.DebugLevel)
	case "info":
		atomicLevel.SetLevel(zapcore.InfoLevel)
	case "warn", "warning":
		atomicLevel.SetLevel(zapcore.WarnLevel)
	case "error":
		atomicLevel.SetLevel(zapcore.ErrorLevel)
	case "fatal":
		atomicLevel.SetLevel(zapcore.FatalLevel)
	default:
		return errors.New("unknown log level")
	}
	return nil
}

// Sync flushes any buffered logs (call on shutdown).
func Sync() {
	if zapLogger != nil {
		_ = zapLogger.Sync()
	}
}
