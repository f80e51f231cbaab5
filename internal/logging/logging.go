// Package logging is the process-wide structured logger. Packages dot-import
// it and call L_info, L_warn and friends with message plus key-value pairs.
package logging

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Levels, most severe first. Trace has no charmbracelet equivalent and is
// gated here before being forwarded as debug.
const (
	LevelFatal = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// Config controls the global logger. Zero TimeFormat means no wall clock
// prefix, useful when an init system already timestamps stderr.
type Config struct {
	Level      int
	TimeFormat string
	ShowCaller bool
}

// DefaultConfig is info level with short timestamps.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, TimeFormat: "15:04:05", ShowCaller: false}
}

var (
	initOnce sync.Once
	logger   *log.Logger
	level    atomic.Int32
)

// Init configures the global logger. Only the first call takes effect; use
// SetLevel for later adjustments.
func Init(cfg *Config) {
	initOnce.Do(func() {
		if cfg == nil {
			cfg = DefaultConfig()
		}
		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: cfg.TimeFormat != "",
			TimeFormat:      cfg.TimeFormat,
			ReportCaller:    cfg.ShowCaller,
			CallerOffset:    1,
		})
		applyLevel(cfg.Level)
	})
}

// SetLevel adjusts verbosity at runtime.
func SetLevel(lv int) {
	active()
	applyLevel(lv)
}

func applyLevel(lv int) {
	if lv < LevelFatal {
		lv = LevelFatal
	}
	if lv > LevelTrace {
		lv = LevelTrace
	}
	level.Store(int32(lv))

	mapped := log.InfoLevel
	switch lv {
	case LevelTrace, LevelDebug:
		mapped = log.DebugLevel
	case LevelWarn:
		mapped = log.WarnLevel
	case LevelError, LevelFatal:
		mapped = log.ErrorLevel
	}
	logger.SetLevel(mapped)
}

func active() *log.Logger {
	if logger == nil {
		Init(nil)
	}
	return logger
}

func L_trace(msg string, keyvals ...interface{}) {
	if level.Load() < LevelTrace {
		return
	}
	active().Debug(msg, keyvals...)
}

func L_debug(msg string, keyvals ...interface{}) {
	active().Debug(msg, keyvals...)
}

func L_info(msg string, keyvals ...interface{}) {
	active().Info(msg, keyvals...)
}

func L_warn(msg string, keyvals ...interface{}) {
	active().Warn(msg, keyvals...)
}

func L_error(msg string, keyvals ...interface{}) {
	active().Error(msg, keyvals...)
}

// L_fatal logs and exits the process.
func L_fatal(msg string, keyvals ...interface{}) {
	active().Fatal(msg, keyvals...)
}
