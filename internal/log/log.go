// Package log provides structured logging for workhost's supervisor,
// backend, and worker processes: a level/category formatter with a
// process-wide enable switch, writing to a plain append-mode file (or
// stderr when no path is given).
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
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

// Category groups related log messages by subsystem.
type Category string

const (
	CatSupervisor Category = "supervisor" // supervisor lifecycle and restart policy
	CatBackend    Category = "backend"    // backend process startup/shutdown
	CatWorker     Category = "worker"     // worker manager and bridge
	CatBus        Category = "bus"        // event bus dispatch
	CatCache      Category = "cache"      // per-config log cache
	CatWS         Category = "ws"         // websocket transport to browsers
	CatConfig     Category = "config"     // configuration loading/saving
	CatWatcher    Category = "watcher"    // config file watcher
)

// Logger is a process-wide structured logger, guarded by mu for concurrent
// use from the supervisor loop, the worker manager's io loop, and any
// number of event bus / websocket goroutines at once.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	enabled  bool
	minLevel Level
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init enables the global logger, writing to path in append mode if
// non-empty, or stderr otherwise. It returns a cleanup func that closes the
// underlying file, if any. Only the first call takes effect.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(path)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		defaultLogger.mu.Lock()
		defer defaultLogger.mu.Unlock()
		defaultLogger.enabled = false
		if defaultLogger.file != nil {
			_ = defaultLogger.file.Close()
		}
	}, nil
}

func newLogger(path string) (*Logger, error) {
	if path == "" {
		return &Logger{writer: os.Stderr, enabled: true, minLevel: LevelDebug}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: path is operator-supplied log path
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &Logger{file: f, writer: f, enabled: true, minLevel: LevelDebug}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level; messages below it are dropped.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) { log(LevelDebug, cat, msg, fields...) }

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) { log(LevelInfo, cat, msg, fields...) }

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) { log(LevelWarn, cat, msg, fields...) }

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) { log(LevelError, cat, msg, fields...) }

// ErrorErr logs an error-level message along with an error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil || !defaultLogger.enabled {
		return
	}
	if level < defaultLogger.minLevel {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	// Format: 2025-12-06T10:45:00 [ERROR] [worker] message key=value key2=value2
	timestamp := time.Now().Format("2006-01-02T15:04:05")
	entry := fmt.Sprintf("%s [%s] [%s] %s", timestamp, level, cat, msg)

	for i := 0; i+1 < len(fields); i += 2 {
		entry += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		entry += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	entry += "\n"

	if defaultLogger.writer != nil {
		_, _ = defaultLogger.writer.Write([]byte(entry))
	}
}
