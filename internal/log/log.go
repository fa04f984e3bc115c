// Package log provides category-based structured logging for servhost.
// Logging is off until Init (or InitWithTeaLog) is called. Every entry is
// written to the log file, kept in a bounded in-memory buffer and published
// to listeners such as the trace window.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zjrosen/servhost/internal/pubsub"
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

// ParseLevel converts a level name (any case) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelDebug, fmt.Errorf("unknown log level %q", s)
	}
}

// Category groups related log messages.
type Category string

const (
	CatStore      Category = "store"      // Registration store node operations
	CatRegistrar  Category = "registrar"  // Install/uninstall protocol
	CatLifecycle  Category = "lifecycle"  // Hold count changes
	CatLoop       Category = "loop"       // Event loop dispatch
	CatActivation Category = "activation" // Remote activation and release
	CatConfig     Category = "config"     // Configuration loading
	CatUI         Category = "ui"         // Trace window
	CatCache      Category = "cache"      // Node lookup cache
	CatWatcher    Category = "watcher"    // Store file watcher
	CatTrace      Category = "trace"      // Tracing provider
)

// Categories lists every known category.
func Categories() []Category {
	return []Category{
		CatStore, CatRegistrar, CatLifecycle, CatLoop, CatActivation,
		CatConfig, CatUI, CatCache, CatWatcher, CatTrace,
	}
}

const defaultBufferLines = 2000

// Logger provides structured logging.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	writer    io.Writer
	enabled   bool
	minLevel  Level
	catLevels map[Category]Level
	format    string
	recent    []string
	maxRecent int
	broker    *pubsub.Broker[string]
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger writing to path.
// Returns a cleanup function that closes the log file.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		var f *os.File
		f, initErr = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: user-selected log path
		if initErr != nil {
			return
		}
		defaultLogger = newLogger(f, f)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil && defaultLogger.file != nil {
			_ = defaultLogger.file.Close()
		}
	}, nil
}

// InitWithTeaLog uses tea.LogToFile so Bubble Tea's own diagnostics land in
// the same file as ours.
func InitWithTeaLog(path string, prefix string) (func(), error) {
	f, err := tea.LogToFile(path, prefix)
	if err != nil {
		return nil, err
	}
	defaultLogger = newLogger(f, f)
	return func() { _ = f.Close() }, nil
}

// InitWriter installs a logger that writes to w. Tests use it to capture
// output; a nil writer keeps only the in-memory buffer.
func InitWriter(w io.Writer) {
	defaultLogger = newLogger(nil, w)
}

func newLogger(f *os.File, w io.Writer) *Logger {
	return &Logger{
		file:      f,
		writer:    w,
		enabled:   true,
		minLevel:  LevelDebug,
		catLevels: make(map[Category]Level),
		maxRecent: defaultBufferLines,
		broker:    pubsub.NewBroker[string](),
	}
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum level for categories without an override.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// SetCategoryLevel overrides the minimum level for one category.
func SetCategoryLevel(cat Category, level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.catLevels[cat] = level
		defaultLogger.mu.Unlock()
	}
}

// DefaultFormat is the entry layout used until SetFormat is called.
// Placeholders: {time} {level} {cat} {msg} {fields}.
const DefaultFormat = "{time} [{level}] [{cat}] {msg}{fields}"

// SetFormat changes the entry layout. An empty format restores DefaultFormat.
func SetFormat(format string) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.format = format
		defaultLogger.mu.Unlock()
	}
}

// ResetCategoryLevels drops every per-category override.
func ResetCategoryLevels() {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.catLevels = make(map[Category]Level)
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	l := defaultLogger
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	minLevel := l.minLevel
	if override, ok := l.catLevels[cat]; ok {
		minLevel = override
	}
	if level < minLevel {
		return
	}

	// Default: 2026-10-19T10:45:00 [ERROR] [store] message key=value key2=value2
	var kv strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&kv, " %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		fmt.Fprintf(&kv, " %v=<missing>", fields[len(fields)-1])
	}
	format := l.format
	if format == "" {
		format = DefaultFormat
	}
	entry := strings.NewReplacer(
		"{time}", time.Now().Format("2006-01-02T15:04:05"),
		"{level}", level.String(),
		"{cat}", string(cat),
		"{msg}", msg,
		"{fields}", kv.String(),
	).Replace(format) + "\n"

	if l.writer != nil {
		_, _ = l.writer.Write([]byte(entry))
	}

	l.recent = append(l.recent, entry)
	if len(l.recent) > l.maxRecent {
		l.recent = l.recent[len(l.recent)-l.maxRecent:]
	}

	if l.broker != nil {
		l.broker.Publish(pubsub.TraceEvent, entry)
	}
}

// GetRecentLogs returns up to n of the most recent entries, oldest first.
func GetRecentLogs(n int) []string {
	if defaultLogger == nil || n <= 0 {
		return nil
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	start := max(len(defaultLogger.recent)-n, 0)
	out := make([]string, len(defaultLogger.recent)-start)
	copy(out, defaultLogger.recent[start:])
	return out
}

// ClearBuffer empties the in-memory entry buffer.
func ClearBuffer() {
	if defaultLogger == nil {
		return
	}
	defaultLogger.mu.Lock()
	defaultLogger.recent = nil
	defaultLogger.mu.Unlock()
}

// LogEvent is a pubsub event containing a log entry.
type LogEvent = pubsub.Event[string]

// LogListener wraps a continuous listener for log events.
type LogListener = pubsub.ContinuousListener[string]

// NewListener creates a log event listener that lives until ctx is cancelled.
// Returns nil when logging was never initialized.
func NewListener(ctx context.Context) *LogListener {
	if defaultLogger == nil || defaultLogger.broker == nil {
		return nil
	}
	return pubsub.NewContinuousListener(ctx, defaultLogger.broker)
}
