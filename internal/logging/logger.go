// Package logging provides categorized logging for ambient, backed by zap.
// Every category is a named child of a process-wide zap logger. When debug
// mode is enabled, each category additionally writes JSON entries to
// .ambient/logs/<date>_<category>.log.
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

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup, config, preflight
	CategoryPerformance Category = "performance" // Slow operations

	CategoryPathGuard   Category = "pathguard"   // Path validation rejections
	CategoryPatch       Category = "patch"       // Patch engine strategies
	CategoryGit         Category = "git"         // Git subprocesses
	CategorySandbox     Category = "sandbox"     // Sandboxed command execution
	CategoryWorktree    Category = "worktree"    // Review worktree lifecycle
	CategoryAggregate   Category = "aggregate"   // Dedupe, clustering, refinement
	CategoryRisk        Category = "risk"        // Risk gate decisions
	CategoryApproval    Category = "approval"    // Approval handlers
	CategoryGenerate    Category = "generate"    // External generator boundary
	CategoryCoordinator Category = "coordinator" // Control loop
	CategoryMonitor     Category = "monitor"     // File-change event source
	CategoryTelemetry   Category = "telemetry"   // Telemetry sinks
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	DebugMode  bool
	Level      string
	Categories map[string]bool
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	base    = zap.NewNop()
	cfg     Config
	cfgMu   sync.RWMutex
	logsDir string
	files   []*os.File
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// SetBase installs the process-wide zap logger. Category loggers created
// afterwards are named children of it.
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggersMu.Lock()
	base = l
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
}

// Initialize applies the logging config. With debug mode on, per-category
// files are opened under <workspace>/.ambient/logs.
func Initialize(workspace string, c Config) error {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()

	level.SetLevel(parseLevel(c.Level))

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()

	if !c.DebugMode {
		return nil
	}
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	dir := filepath.Join(workspace, ".ambient", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	loggersMu.Lock()
	logsDir = dir
	loggersMu.Unlock()

	Boot("logging initialized: dir=%s level=%s", dir, level.Level())
	return nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsCategoryEnabled returns whether a specific category is enabled.
// Categories are enabled unless explicitly switched off.
func IsCategoryEnabled(category Category) bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if cfg.Categories == nil {
		return true
	}
	enabled, exists := cfg.Categories[string(category)]
	return !exists || enabled
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
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

	core := base.Core()
	if logsDir != "" {
		if fileCore, err := openFileCore(category); err == nil {
			core = zapcore.NewTee(core, fileCore)
		} else {
			fmt.Fprintf(os.Stderr, "[logging] Warning: %v\n", err)
		}
	}

	l := &Logger{
		category: category,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// openFileCore must be called with loggersMu held.
func openFileCore(category Category) (zapcore.Core, error) {
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", logPath, err)
	}
	files = append(files, file)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level), nil
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Zap exposes the underlying structured logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// CloseAll flushes and closes all log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
	for _, f := range files {
		f.Close()
	}
	files = nil
	logsDir = ""
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// Patch logs to the patch category
func Patch(format string, args ...interface{}) {
	Get(CategoryPatch).Info(format, args...)
}

// PatchDebug logs debug to the patch category
func PatchDebug(format string, args ...interface{}) {
	Get(CategoryPatch).Debug(format, args...)
}

// PatchWarn logs a warning to the patch category
func PatchWarn(format string, args ...interface{}) {
	Get(CategoryPatch).Warn(format, args...)
}

// GitDebug logs debug to the git category
func GitDebug(format string, args ...interface{}) {
	Get(CategoryGit).Debug(format, args...)
}

// Sandbox logs to the sandbox category
func Sandbox(format string, args ...interface{}) {
	Get(CategorySandbox).Info(format, args...)
}

// SandboxDebug logs debug to the sandbox category
func SandboxDebug(format string, args ...interface{}) {
	Get(CategorySandbox).Debug(format, args...)
}

// SandboxWarn logs a warning to the sandbox category
func SandboxWarn(format string, args ...interface{}) {
	Get(CategorySandbox).Warn(format, args...)
}

// SandboxError logs an error to the sandbox category
func SandboxError(format string, args ...interface{}) {
	Get(CategorySandbox).Error(format, args...)
}

// Worktree logs to the worktree category
func Worktree(format string, args ...interface{}) {
	Get(CategoryWorktree).Info(format, args...)
}

// WorktreeDebug logs debug to the worktree category
func WorktreeDebug(format string, args ...interface{}) {
	Get(CategoryWorktree).Debug(format, args...)
}

// WorktreeWarn logs a warning to the worktree category
func WorktreeWarn(format string, args ...interface{}) {
	Get(CategoryWorktree).Warn(format, args...)
}

// AggregateDebug logs debug to the aggregate category
func AggregateDebug(format string, args ...interface{}) {
	Get(CategoryAggregate).Debug(format, args...)
}

// Risk logs to the risk category
func Risk(format string, args ...interface{}) {
	Get(CategoryRisk).Info(format, args...)
}

// Generate logs to the generate category
func Generate(format string, args ...interface{}) {
	Get(CategoryGenerate).Info(format, args...)
}

// GenerateWarn logs a warning to the generate category
func GenerateWarn(format string, args ...interface{}) {
	Get(CategoryGenerate).Warn(format, args...)
}

// Coordinator logs to the coordinator category
func Coordinator(format string, args ...interface{}) {
	Get(CategoryCoordinator).Info(format, args...)
}

// CoordinatorDebug logs debug to the coordinator category
func CoordinatorDebug(format string, args ...interface{}) {
	Get(CategoryCoordinator).Debug(format, args...)
}

// CoordinatorWarn logs a warning to the coordinator category
func CoordinatorWarn(format string, args ...interface{}) {
	Get(CategoryCoordinator).Warn(format, args...)
}

// CoordinatorError logs an error to the coordinator category
func CoordinatorError(format string, args ...interface{}) {
	Get(CategoryCoordinator).Error(format, args...)
}

// MonitorDebug logs debug to the monitor category
func MonitorDebug(format string, args ...interface{}) {
	Get(CategoryMonitor).Debug(format, args...)
}

// TelemetryWarn logs a warning to the telemetry category
func TelemetryWarn(format string, args ...interface{}) {
	Get(CategoryTelemetry).Warn(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs to the performance category if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(CategoryPerformance).Warn("%s/%s took %v (threshold: %v)", t.category, t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
