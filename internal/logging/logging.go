package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

// Fields carries structured context attached to a log record.
type Fields map[string]any

// Logger provides leveled logging
type Logger struct {
	mu     sync.Mutex
	level  Level
	format string // "text" or "json"
	output io.Writer
	file   io.Writer // append-only JSON lines sink, independent of level
}

var (
	defaultLogger = &Logger{
		level:  LevelInfo,
		format: "text",
		output: os.Stdout,
	}
)

// ParseLevel converts a string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

// String returns the string representation of a level
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// SetOutput sets the output destination for logging. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	defaultLogger.output = w
}

// SetFormat selects "text" (default) or "json" output.
func SetFormat(format string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if strings.EqualFold(format, "json") {
		defaultLogger.format = "json"
	} else {
		defaultLogger.format = "text"
	}
}

// OpenFile starts appending every record (at the current level) as a JSON
// line to path. The returned closer detaches and closes the file.
func OpenFile(path string) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defaultLogger.mu.Lock()
	defaultLogger.file = f
	defaultLogger.mu.Unlock()
	return closerFunc(func() error {
		defaultLogger.mu.Lock()
		defaultLogger.file = nil
		defaultLogger.mu.Unlock()
		return f.Close()
	}), nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

// GetLevel returns the current log level
func GetLevel() Level {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, nil, format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, nil, format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, nil, format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, nil, format, args...)
}

// Entry is a log record builder carrying structured fields.
type Entry struct {
	fields Fields
}

// WithFields returns an Entry that attaches fields to every record it logs.
func WithFields(f Fields) *Entry {
	return &Entry{fields: f}
}

// Debug logs a debug message with fields
func (e *Entry) Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, e.fields, format, args...)
}

// Info logs an info message with fields
func (e *Entry) Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, e.fields, format, args...)
}

// Warn logs a warning message with fields
func (e *Entry) Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, e.fields, format, args...)
}

// Error logs an error message with fields
func (e *Entry) Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, e.fields, format, args...)
}

// Print always prints regardless of level (for progress bars, summaries)
func Print(format string, args ...interface{}) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	fmt.Fprintf(defaultLogger.output, format, args...)
}

// Println always prints with newline regardless of level
func Println(args ...interface{}) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	fmt.Fprintln(defaultLogger.output, args...)
}

func (l *Logger) log(level Level, fields Fields, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	now := time.Now()
	msg := fmt.Sprintf(format, args...)

	if l.file != nil {
		l.file.Write(jsonLine(now, level, strings.TrimSpace(msg), fields))
	}

	if l.format == "json" {
		l.output.Write(jsonLine(now, level, strings.TrimSpace(msg), fields))
		return
	}

	if strings.HasPrefix(msg, "\n") {
		// Handle leading newlines (preserve blank line formatting)
		msg = strings.TrimPrefix(msg, "\n")
		fmt.Fprint(l.output, "\n")
	}
	msg = strings.TrimSuffix(msg, "\n")
	if len(fields) > 0 {
		msg += " " + formatFields(fields)
	}

	timestamp := now.Format("2006-01-02 15:04:05")
	fmt.Fprintf(l.output, "%s [%s] %s\n", timestamp, level.String(), msg)
}

func jsonLine(ts time.Time, level Level, msg string, fields Fields) []byte {
	record := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		record[k] = v
	}
	record["ts"] = ts.UTC().Format(time.RFC3339Nano)
	record["level"] = strings.ToLower(level.String())
	record["msg"] = msg

	data, err := json.Marshal(record)
	if err != nil {
		data, _ = json.Marshal(map[string]any{
			"ts":    record["ts"],
			"level": record["level"],
			"msg":   msg,
			"error": "unserializable fields: " + err.Error(),
		})
	}
	return append(data, '\n')
}

func formatFields(fields Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

// IsDebug returns true if debug level is enabled
func IsDebug() bool {
	return GetLevel() >= LevelDebug
}

// IsInfo returns true if info level is enabled
func IsInfo() bool {
	return GetLevel() >= LevelInfo
}
