// Package logging provides the process-wide structured logger, rotated
// to disk, and a rate-limited wrapper for high-frequency per-frame events.
package logging

import (
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scanai/core/config"
)

// Logger is the package-wide structured sink.
var Logger *zap.Logger

var levelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

func init() {
	Logger = build(config.GlobalCfg.Log)
}

// Reconfigure rebuilds Logger from the current configuration; called after
// config.Reload so log level/path changes take effect without restart.
func Reconfigure() {
	old := Logger
	Logger = build(config.GlobalCfg.Log)
	old.Sync()
}

func build(cfg config.Log) *zap.Logger {
	level, ok := levelMap[cfg.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= level
	})

	hook := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    256,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	sink := zapcore.AddSync(hook)

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, enabler),
	)
	return zap.New(core, zap.AddCaller())
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// throttled dedupes high-frequency log keys so a noisy stream of misses
// (e.g. a display-sync miss on every stale response) doesn't flood the
// sink. Grounded on the teacher's go-cache-backed WAF request counter.
var throttleCache = cache.New(1*time.Second, 2*time.Second)

// Throttled reports whether a log line keyed by key should be emitted,
// allowing at most one emission per window for that key.
func Throttled(key string, window time.Duration) bool {
	if _, found := throttleCache.Get(key); found {
		return false
	}
	throttleCache.Set(key, struct{}{}, window)
	return true
}
