// Package logging provides leveled logging for the driver core.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level represents an available log verbosity.
type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
)

func levelFromEnv(v string) (Level, bool) {
	switch v {
	case "error":
		return LevelError, true
	case "info":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	default:
		return LevelError, false
	}
}

// Config holds logger construction options.
type Config struct {
	Level  Level
	Output io.Writer
}

// DefaultConfig returns the config applied when Default() is first used: the
// level named by NVME_LOG_LEVEL (error|info|debug), or LevelError if unset
// or unrecognized.
func DefaultConfig() *Config {
	level := LevelError
	if v, ok := levelFromEnv(os.Getenv("NVME_LOG_LEVEL")); ok {
		level = v
	}
	return &Config{Level: level, Output: os.Stderr}
}

// Logger wraps the standard library logger with a level gate.
type Logger struct {
	logger    *log.Logger
	level     Level
	component string
	mu        sync.Mutex
}

// NewLogger constructs a Logger. A nil config is equivalent to DefaultConfig().
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
	}
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// Default returns the process-wide default logger, constructing it from
// DefaultConfig() on first use.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

func (l *Logger) log(level Level, prefix, msg string) {
	if level > l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.component != "" {
		l.logger.Printf("%s [%s] %s", prefix, l.component, msg)
		return
	}
	l.logger.Printf("%s %s", prefix, msg)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

// WithComponent returns a Logger whose messages are prefixed with the
// driver component that raised them (mirrors Component in the root error
// taxonomy so log lines and returned errors read the same way).
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger, level: l.level, component: component}
}
