package config

import "go.uber.org/zap/zapcore"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, text
	File       string          `yaml:"file"`       // empty logs to stderr
	DebugMode  bool            `yaml:"debug_mode"` // false silences category loggers
	Categories map[string]bool `yaml:"categories"` // per-category toggles, default on
}

// IsCategoryEnabled reports whether a category logs. Nothing logs outside
// debug mode; inside it a category is on unless explicitly disabled.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	enabled, exists := c.Categories[category]
	return !exists || enabled
}

// ZapLevel maps Level to a zap level, defaulting to info.
func (c *LoggingConfig) ZapLevel() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
