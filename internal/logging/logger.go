// Package logging provides config-driven categorized logging for enginelink
// on top of zap. Logging is controlled by logging.debug_mode: when false,
// every category logger is a no-op so nothing can disturb the terminal UI.
package logging

import (
	"fmt"
	"sync"
	"time"

	"enginelink/internal/config"

	"go.uber.org/zap"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup, config
	CategoryTransport Category = "transport" // engine process and pipes
	CategoryDispatch  Category = "dispatch"  // event application, anomalies
	CategoryBridge    Category = "bridge"    // client lifecycle, heartbeats
	CategoryStore     Category = "store"     // transcript persistence
	CategoryUI        Category = "ui"        // terminal front-end
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	cfg     config.LoggingConfig
	loggers = make(map[Category]*zap.Logger)
)

// Initialize builds the root logger from cfg. Outside debug mode it installs
// a no-op logger and returns nil.
func Initialize(c config.LoggingConfig) error {
	if !c.DebugMode {
		Use(zap.NewNop(), c)
		return nil
	}

	zc := zap.NewProductionConfig()
	if c.Format != "json" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(c.ZapLevel())
	zc.OutputPaths = []string{"stderr"}
	if c.File != "" {
		zc.OutputPaths = []string{c.File}
	}
	zc.ErrorOutputPaths = zc.OutputPaths

	logger, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	Use(logger, c)

	boot := Get(CategoryBoot)
	boot.Info("Logging initialized",
		zap.String("level", c.ZapLevel().String()),
		zap.String("format", c.Format),
		zap.String("file", c.File))
	for cat, enabled := range c.Categories {
		boot.Debug("Category toggle", zap.String("category", cat), zap.Bool("enabled", enabled))
	}
	return nil
}

// Use installs logger as the root and c as the category filter. Tests use it
// with an observer core.
func Use(logger *zap.Logger, c config.LoggingConfig) {
	mu.Lock()
	defer mu.Unlock()
	_ = root.Sync()
	root = logger
	cfg = c
	loggers = make(map[Category]*zap.Logger)
}

// IsCategoryEnabled returns whether a specific category logs.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return cfg.IsCategoryEnabled(string(category))
}

// Get returns the logger for a category, named after it. A disabled category
// gets a no-op logger.
func Get(category Category) *zap.Logger {
	mu.RLock()
	l, ok := loggers[category]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	if cfg.IsCategoryEnabled(string(category)) {
		l = root.Named(string(category))
	} else {
		l = zap.NewNop()
	}
	loggers[category] = l
	return l
}

// Sync flushes the root logger.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return root.Sync()
}

// Reset restores the silent default.
func Reset() {
	Use(zap.NewNop(), config.LoggingConfig{})
}

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("Operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("Operation slow",
			zap.String("op", t.op), zap.Duration("elapsed", elapsed), zap.Duration("threshold", threshold))
	} else {
		Get(t.category).Debug("Operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	}
	return elapsed
}
