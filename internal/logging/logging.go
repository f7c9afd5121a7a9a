// Package logging builds the runtime's structured logger. The MCP stdio
// transport speaks its protocol over stdout, so every log sink here is
// stderr or a file — never stdout — mirroring the teacher's own
// log-must-not-touch-stdio rule.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger's destination and verbosity.
type Options struct {
	// LogFile, when non-empty, routes logs through a rotating lumberjack
	// sink instead of the console. Required whenever the MCP server runs in
	// stdio mode.
	LogFile    string
	Debug      bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a zap.Logger per opts and returns it along with a flush/close
// function the caller must defer.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zap.InfoLevel
	if opts.Debug {
		level = zap.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var core zapcore.Core
	if opts.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    nonZero(opts.MaxSizeMB, 50),
			MaxBackups: nonZero(opts.MaxBackups, 3),
			MaxAge:     nonZero(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		core = zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), level)
		logger := zap.New(core)
		return logger, func() { _ = logger.Sync(); _ = rotator.Close() }, nil
	}

	consoleCfg := encoderCfg
	core = zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), level)
	logger := zap.New(core)
	return logger, func() { _ = logger.Sync() }, nil
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
