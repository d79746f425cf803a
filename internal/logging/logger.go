// Package logging provides config-driven categorized file-based logging for
// Substrate. Logs are written to .substrate/logs/ with a separate file per
// category. Logging is a no-op until Initialize is called with a workspace.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup and wiring
	CategoryStore   Category = "store"   // Decision store operations
	CategoryConfig  Category = "config"  // Config load/merge/migration
	CategoryBus     Category = "bus"     // Event bus dispatch
	CategoryGraph   Category = "graph"   // Task-graph validation and scheduling
	CategoryPool    Category = "pool"    // Worker pool and dispatch
	CategoryRunner  Category = "runner"  // Methodology step runner
	CategoryRouting Category = "routing" // Agent selection decisions
	CategoryBudget  Category = "budget"  // Budget checks and enforcement
	CategoryAdapter Category = "adapter" // Agent CLI adapters
	CategoryPack    Category = "pack"    // Methodology pack loading
	CategoryEngine  Category = "engine"  // Pipeline engine loop
	CategoryTUI     Category = "tui"     // TUI event consumption
)

// Logger wraps a zap sugared logger bound to one category file.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	level     zapcore.Level = zapcore.InfoLevel
	enabled   bool
	stateMu   sync.RWMutex
)

// Initialize sets up the logging directory. Level is one of
// trace|debug|info|warn|error|fatal; trace maps to zap's debug.
func Initialize(workspace, logLevel string) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	dir := filepath.Join(workspace, ".substrate", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	stateMu.Lock()
	logsDir = dir
	level = parseLevel(logLevel)
	enabled = true
	stateMu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("=== Substrate logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Log level: %s", logLevel)
	return nil
}

// SetLevel changes the minimum level for all category loggers.
// Used by the config hot-reload path.
func SetLevel(logLevel string) {
	stateMu.Lock()
	level = parseLevel(logLevel)
	stateMu.Unlock()
}

// Shutdown flushes and closes all category loggers.
func Shutdown() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
	loggers = make(map[Category]*Logger)
	stateMu.Lock()
	enabled = false
	stateMu.Unlock()
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "trace", "debug":
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

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger before Initialize or if the file cannot be opened.
func Get(category Category) *Logger {
	stateMu.RLock()
	on := enabled
	dir := logsDir
	stateMu.RUnlock()
	if !on || dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// One file per category, date-prefixed for easy rotation.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(file),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			stateMu.RLock()
			defer stateMu.RUnlock()
			return l >= level
		}),
	)
	l := &Logger{
		category: category,
		sugar:    zap.New(core).Sugar().Named(string(category)),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Convenience helpers for the hot categories, mirroring the call sites'
// reading order: logging.Store("..."), logging.Pool("...").

// Store logs an info message to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs a debug message to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Pool logs an info message to the pool category.
func Pool(format string, args ...interface{}) { Get(CategoryPool).Info(format, args...) }

// Runner logs an info message to the runner category.
func Runner(format string, args ...interface{}) { Get(CategoryRunner).Info(format, args...) }

// Engine logs an info message to the engine category.
func Engine(format string, args ...interface{}) { Get(CategoryEngine).Info(format, args...) }

// EngineDebug logs a debug message to the engine category.
func EngineDebug(format string, args ...interface{}) { Get(CategoryEngine).Debug(format, args...) }
