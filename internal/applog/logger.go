// Package applog provides the structured, component-scoped logger shared by
// every binary in this repository (coordinator, worker, plugin).
package applog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level, defaulting to InfoLevel on error.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// Format is the rendering used for each log line.
type Format int

const (
	TextFormat Format = iota
	JSONFormat
)

// ParseFormat parses a string into a Format, defaulting to TextFormat on error.
func ParseFormat(format string) (Format, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return TextFormat, nil
	case "json":
		return JSONFormat, nil
	default:
		return TextFormat, fmt.Errorf("invalid log format: %s", format)
	}
}

// Entry is one structured log line.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger is a minimal structured logger, scoped to a component name.
type Logger struct {
	mu        sync.RWMutex
	level     Level
	format    Format
	output    io.Writer
	component string
}

// Config configures a Logger.
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer
	Component string
}

// DefaultConfig returns sensible defaults: info level, text format, stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  InfoLevel,
		Format: TextFormat,
		Output: os.Stderr,
	}
}

// New creates a Logger from config, falling back to DefaultConfig when nil.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		level:     cfg.Level,
		format:    cfg.Format,
		output:    output,
		component: cfg.Component,
	}
}

// WithComponent returns a copy of the logger scoped to a new component name.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:     l.level,
		format:    l.format,
		output:    l.output,
		component: component,
	}
}

// SetLevel changes the minimum level logged.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if !l.enabled(level) {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Component: l.component,
		Message:   message,
		Fields:    fields,
	}

	var line string
	switch l.format {
	case JSONFormat:
		data, err := json.Marshal(entry)
		if err != nil {
			line = fmt.Sprintf("%s [%s] %s (log marshal error: %v)\n", entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message, err)
		} else {
			line = string(data) + "\n"
		}
	default:
		line = l.formatText(entry)
	}

	io.WriteString(l.output, line)
}

func (l *Logger) formatText(entry Entry) string {
	parts := []string{
		entry.Timestamp.Format("2006-01-02 15:04:05"),
		fmt.Sprintf("[%s]", entry.Level),
	}
	if entry.Component != "" {
		parts = append(parts, fmt.Sprintf("(%s)", entry.Component))
	}
	parts = append(parts, entry.Message)
	line := strings.Join(parts, " ")

	if len(entry.Fields) > 0 {
		var fieldParts []string
		for k, v := range entry.Fields {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, v))
		}
		line += " [" + strings.Join(fieldParts, " ") + "]"
	}
	return line + "\n"
}

// Debug logs at debug level with optional structured fields.
func (l *Logger) Debug(message string, fields ...map[string]interface{}) { l.log(DebugLevel, message, firstOrNil(fields)) }

// Info logs at info level with optional structured fields.
func (l *Logger) Info(message string, fields ...map[string]interface{}) { l.log(InfoLevel, message, firstOrNil(fields)) }

// Warn logs at warn level with optional structured fields.
func (l *Logger) Warn(message string, fields ...map[string]interface{}) { l.log(WarnLevel, message, firstOrNil(fields)) }

// Error logs at error level with optional structured fields.
func (l *Logger) Error(message string, fields ...map[string]interface{}) { l.log(ErrorLevel, message, firstOrNil(fields)) }

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DebugLevel, fmt.Sprintf(format, args...), nil) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...interface{}) { l.log(InfoLevel, fmt.Sprintf(format, args...), nil) }

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...interface{}) { l.log(WarnLevel, fmt.Sprintf(format, args...), nil) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ErrorLevel, fmt.Sprintf(format, args...), nil) }

func firstOrNil(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// InitFromConfig builds a root logger from plain string settings (as read
// from appconfig.LoggingConfig) and returns it, writing to a file when
// output requests one.
func InitFromConfig(level, format, output, file string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	fmtVal, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	switch strings.ToLower(output) {
	case "", "console", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	case "file":
		if file == "" {
			return nil, fmt.Errorf("log output \"file\" requires a file path")
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
	case "both":
		if file == "" {
			return nil, fmt.Errorf("log output \"both\" requires a file path")
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	default:
		return nil, fmt.Errorf("invalid log output: %s", output)
	}

	return New(&Config{Level: lvl, Format: fmtVal, Output: w}), nil
}
