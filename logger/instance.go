package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu            sync.RWMutex
	defaultLogger zerolog.Logger
	defaultCloser io.Closer = nopCloser{}
)

func init() {
	l, closer, err := New(DefaultConfig())
	if err != nil {
		l = zerolog.Nop()
		closer = nopCloser{}
	}
	defaultLogger = l
	defaultCloser = closer
}

// InitFromConfig replaces the global logger
func InitFromConfig(level, format, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	l, closer, err := New(LoggerConfig{
		Level:      logLevel,
		Format:     format,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	mu.Lock()
	old := defaultCloser
	defaultLogger = l
	defaultCloser = closer
	mu.Unlock()

	return old.Close()
}

// SetLogger replaces the global logger, mainly for tests
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "", "INFO":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

// L returns the global logger for structured events
func L() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := defaultLogger
	return &l
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	L().Debug().Msgf(format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	L().Info().Msgf(format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	L().Warn().Msgf(format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	L().Error().Msgf(format, args...)
}

// Close closes the log file of the global logger
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	err := defaultCloser.Close()
	defaultCloser = nopCloser{}
	return err
}
