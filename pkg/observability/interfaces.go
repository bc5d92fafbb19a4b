// Package observability provides logging and metrics for the sync core.
// Instances are constructed once at process start and injected; no package
// keeps a global logger or metrics client.
package observability

import "time"

// LogLevel identifies the severity of a log entry
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger is the logging interface used across all components
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})
	WithPrefix(prefix string) Logger
}

// MetricsClient records operational counters and latencies
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	RecordLatency(operation string, d time.Duration)
}
