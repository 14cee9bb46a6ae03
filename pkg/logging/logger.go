// Package logging wraps zap with the small surface the detection engine
// uses: structured fields, component scoping and a couple of domain-aware
// helpers.
package logging

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with service-scoped helpers.
type Logger struct {
	*zap.Logger
	serviceName string
}

// Config represents logger configuration.
type Config struct {
	Level       string `json:"level" mapstructure:"level"`
	Format      string `json:"format" mapstructure:"format"`
	Output      string `json:"output" mapstructure:"output"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	Development bool   `json:"development" mapstructure:"development"`
}

// Field is a structured log field.
type Field = zapcore.Field

// NewLogger creates a logger from configuration.
func NewLogger(config Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var zapConfig zap.Config
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	switch strings.ToLower(config.Format) {
	case "console":
		zapConfig.Encoding = "console"
	default:
		zapConfig.Encoding = "json"
	}

	switch strings.ToLower(config.Output) {
	case "stderr":
		zapConfig.OutputPaths = []string{"stderr"}
	case "", "stdout":
		zapConfig.OutputPaths = []string{"stdout"}
	default:
		zapConfig.OutputPaths = []string{config.Output}
	}

	zapConfig.InitialFields = map[string]interface{}{
		"service": config.ServiceName,
	}

	zapLogger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &Logger{Logger: zapLogger, serviceName: config.ServiceName}, nil
}

// NewNop returns a no-op logger for tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// NewDevelopmentLogger creates a console logger for local development.
func NewDevelopmentLogger(serviceName string) *Logger {
	logger, err := NewLogger(Config{
		Level:       "debug",
		Format:      "console",
		Output:      "stdout",
		ServiceName: serviceName,
		Development: true,
	})
	if err != nil {
		return &Logger{Logger: zap.NewExample(), serviceName: serviceName}
	}
	return logger
}

// WithComponent scopes the logger to a pipeline component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:      l.Logger.With(zap.String("component", component)),
		serviceName: l.serviceName,
	}
}

// WithFields adds fields to every subsequent entry.
func (l *Logger) WithFields(fields ...Field) *Logger {
	return &Logger{
		Logger:      l.Logger.With(fields...),
		serviceName: l.serviceName,
	}
}

// LogThreatDetection logs a detection with level keyed to severity.
func (l *Logger) LogThreatDetection(entityID, severity string, score float64, fields ...Field) {
	allFields := append([]Field{
		zap.String("event_type", "threat_detection"),
		zap.String("entity_id", entityID),
		zap.String("severity", severity),
		zap.Float64("score", score),
		zap.Time("event_timestamp", time.Now().UTC()),
	}, fields...)

	switch severity {
	case "critical", "high":
		l.Warn("Threat detected", allFields...)
	default:
		l.Info("Threat detected", allFields...)
	}
}

// Cleanup flushes buffered entries.
func (l *Logger) Cleanup() {
	if l.Logger != nil {
		_ = l.Logger.Sync()
	}
}

// Field constructors re-exported so callers avoid importing zap directly.

func String(key, value string) Field             { return zap.String(key, value) }
func Int(key string, value int) Field            { return zap.Int(key, value) }
func Int64(key string, value int64) Field        { return zap.Int64(key, value) }
func Float64(key string, value float64) Field    { return zap.Float64(key, value) }
func Bool(key string, value bool) Field          { return zap.Bool(key, value) }
func Time(key string, value time.Time) Field     { return zap.Time(key, value) }
func Duration(key string, d time.Duration) Field { return zap.Duration(key, d) }
func Any(key string, value interface{}) Field    { return zap.Any(key, value) }
func Error(err error) Field                      { return zap.Error(err) }
func Strings(key string, value []string) Field   { return zap.Strings(key, value) }
