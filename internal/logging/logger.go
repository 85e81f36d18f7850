// Package logging is the leveled structured logger shared by every
// service. Entries render as text or JSON and can be mirrored to a
// file next to stdout.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Level is a log severity.
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
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// ParseLevel maps a config string to a Level. Unknown strings fall back
// to info rather than failing startup.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// LogEntry is one rendered log record.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes leveled entries to its output. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	level    Level
	output   io.Writer
	format   string // "json" or "text"
	file     *os.File
	filePath string
}

// NewLogger builds a logger from config values. An empty or "-"
// outputPath logs to stdout only; otherwise entries also append to the
// named file, creating its directory when missing.
func NewLogger(level, format, outputPath string) (*Logger, error) {
	l := &Logger{
		level:  ParseLevel(level),
		format: format,
		output: os.Stdout,
	}

	if outputPath == "" || outputPath == "-" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l.file = f
	l.filePath = outputPath
	l.output = io.MultiWriter(os.Stdout, f)
	return l, nil
}

// NewNop returns a logger that drops everything. Used in tests.
func NewNop() *Logger {
	return &Logger{
		level:  LevelError + 1,
		format: "text",
		output: io.Discard,
	}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(LevelWarn, message, fields)
}

func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(LevelError, message, fields)
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   message,
		Fields:    fields,
	}

	var line string
	if l.format == "json" {
		data, _ := json.Marshal(entry)
		line = string(data)
	} else {
		line = formatText(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.output, line)
}

// formatText renders "<ts> [level] message k=v ..." with field keys in
// stable order.
func formatText(entry LogEntry) string {
	line := fmt.Sprintf("%s [%s] %s", entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message)
	if len(entry.Fields) == 0 {
		return line
	}

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, entry.Fields[k])
	}
	return line
}

// WithFields returns a logger view that stamps the given fields onto
// every entry.
func (l *Logger) WithFields(fields map[string]interface{}) *FieldLogger {
	return &FieldLogger{logger: l, fields: fields}
}

// FieldLogger is a Logger with preset fields. Per-call fields override
// preset ones on key collisions.
type FieldLogger struct {
	logger *Logger
	fields map[string]interface{}
}

func (fl *FieldLogger) merge(extra map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(fl.fields)+len(extra))
	for k, v := range fl.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func (fl *FieldLogger) Debug(message string, fields map[string]interface{}) {
	fl.logger.log(LevelDebug, message, fl.merge(fields))
}

func (fl *FieldLogger) Info(message string, fields map[string]interface{}) {
	fl.logger.log(LevelInfo, message, fl.merge(fields))
}

func (fl *FieldLogger) Warn(message string, fields map[string]interface{}) {
	fl.logger.log(LevelWarn, message, fl.merge(fields))
}

func (fl *FieldLogger) Error(message string, fields map[string]interface{}) {
	fl.logger.log(LevelError, message, fl.merge(fields))
}
