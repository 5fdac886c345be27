package events

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

// LogLevel represents logging severity.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides structured logging. Loggers are immutable; WithField and
// friends return derived loggers sharing the same output.
type Logger struct {
	mu     *sync.Mutex
	level  LogLevel
	format string
	output io.Writer
	fields map[string]interface{}
}

// LogSettings configures a logger.
type LogSettings struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	File   string // log file path (empty = stdout)
}

// NewLogger creates a logger from settings.
func NewLogger(cfg LogSettings) (*Logger, error) {
	var output io.Writer = os.Stdout
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
	}

	return &Logger{
		mu:     &sync.Mutex{},
		level:  parseLevel(cfg.Level),
		format: cfg.Format,
		output: output,
		fields: make(map[string]interface{}),
	}, nil
}

// NewTestLogger creates a logger for testing.
func NewTestLogger(level LogLevel, format string, output io.Writer) *Logger {
	return &Logger{
		mu:     &sync.Mutex{},
		level:  level,
		format: format,
		output: output,
		fields: make(map[string]interface{}),
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return NewTestLogger(ErrorLevel+1, "text", io.Discard)
}

// WithField returns a logger with an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &Logger{
		mu:     l.mu,
		level:  l.level,
		format: l.format,
		output: l.output,
		fields: merged,
	}
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) { l.log(DebugLevel, msg) }

// Info logs at info level.
func (l *Logger) Info(msg string) { l.log(InfoLevel, msg) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string) { l.log(WarnLevel, msg) }

// Error logs at error level.
func (l *Logger) Error(msg string) { l.log(ErrorLevel, msg) }

func (l *Logger) log(level LogLevel, msg string) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(l.fields)+3)
	for k, v := range l.fields {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = levelString(level)
	entry["msg"] = msg

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		l.writeJSON(entry)
	} else {
		l.writeText(entry)
	}
}

func (l *Logger) writeJSON(entry map[string]interface{}) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, `{"level":"error","msg":"marshal log entry: %v"}`+"\n", err)
		return
	}
	data = append(data, '\n')
	_, _ = l.output.Write(data)
}

func (l *Logger) writeText(entry map[string]interface{}) {
	fmt.Fprintf(l.output, "%s [%s] %s",
		entry["time"],
		strings.ToUpper(entry["level"].(string)),
		entry["msg"],
	)

	// Deterministic field order
	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k == "time" || k == "level" || k == "msg" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(l.output, " %s=%v", k, entry[k])
	}
	fmt.Fprintln(l.output)
}

func parseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func levelString(l LogLevel) string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}
