package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface so they can run with the shared file
// logger, a test logger, or nothing at all.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to a Level; unknown names fall back to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	rootInstance *fileLogger
	rootOnce     sync.Once
)

// fileLogger writes formatted lines to prism-debug.log and stdout.
type fileLogger struct {
	file      *os.File
	sink      *log.Logger
	level     Level
	mu        sync.Mutex
	component string
	stdout    bool
}

func root() *fileLogger {
	rootOnce.Do(func() {
		rootInstance = newFileLogger("", ParseLevel(os.Getenv("PRISM_LOG_LEVEL")))
	})
	return rootInstance
}

// NewComponentLogger returns the shared application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	base := root()
	return &fileLogger{
		file:      base.file,
		sink:      base.sink,
		level:     base.level,
		component: component,
		stdout:    base.stdout,
	}
}

func newFileLogger(component string, level Level) *fileLogger {
	l := &fileLogger{
		level:     level,
		component: component,
		stdout:    os.Getenv("PRISM_LOG_STDOUT") != "0",
	}

	if os.Getenv("PRISM_LOG_FILE") == "0" {
		return l
	}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("failed to resolve home directory: %v", err)
		return l
	}

	logPath := filepath.Join(home, "prism-debug.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return l
	}

	l.file = file
	l.sink = log.New(file, "", 0) // formatted below, not by log
	return l
}

// SetLevel sets the minimum level emitted by this logger.
func (l *fileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the underlying log file.
func (l *fileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *fileLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2026-01-02 15:04:05 [INFO] [Component] file.go:123 - message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "PRISM"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelString(level), component, file, line, message)

	sanitized := Sanitize(logLine)

	if l.sink != nil {
		l.sink.Print(sanitized)
	}
	if l.stdout {
		fmt.Print(sanitized)
	}
}

func (l *fileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func levelString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
