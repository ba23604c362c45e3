package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

var (
	mu           sync.Mutex
	currentLevel LogLevel = INFO
	stdLogger             = log.New(os.Stderr, "", log.LstdFlags)
)

// SetLevel sets the current logging level.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	stdLogger = log.New(w, "", log.LstdFlags)
}

func IsLevelEnabled(level LogLevel) bool {
	mu.Lock()
	defer mu.Unlock()
	return level >= currentLevel
}

// ParseLevel converts a string level to a LogLevel, defaulting to INFO.
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func logMessage(level LogLevel, format string, v ...any) {
	mu.Lock()
	enabled := level >= currentLevel
	out := stdLogger
	mu.Unlock()
	if !enabled {
		return
	}

	out.Printf("[%s] %s", level, fmt.Sprintf(format, v...))
}

// Trace logs a trace message.
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, format, v...)
}

// Debug logs a debug message.
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, format, v...)
}

// Info logs an informational message.
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, format, v...)
}

// Warn logs a warning message.
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, format, v...)
}

// Error logs an error message.
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, format, v...)
}

// Fatal logs a fatal message and exits.
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, format, v...)
	os.Exit(1)
}
