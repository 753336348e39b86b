package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// JSONLogEntry defines a single structured log line.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type jsonLogger struct {
	out       io.Writer
	mu        *sync.Mutex
	component string
	metadata  map[string]interface{}
	logLevel  LogLevel
	now       func() time.Time // for unit testing
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &jsonLogger{
		out:       c.out,
		mu:        c.mu,
		component: c.component,
		metadata:  metadata,
		logLevel:  c.logLevel,
		now:       c.now,
	}
}

// WithPrefix will return a new logger with the prefix used as the component name
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	if l.component != "" {
		l.component += " " + prefix
	} else {
		l.component = prefix
	}
	return l
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	l := c.clone()
	for k, v := range metadata {
		l.metadata[k] = v
	}
	return l
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *jsonLogger) logWith(level LogLevel, msg string, args ...interface{}) {
	if level < c.logLevel {
		return
	}
	entry := JSONLogEntry{
		Timestamp: c.now(),
		Severity:  level.String(),
		Message:   fmt.Sprintf(msg, args...),
		Component: c.component,
	}
	if len(c.metadata) > 0 {
		entry.Metadata = c.metadata
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Write(append(buf, '\n'))
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.logWith(LevelTrace, msg, args...)
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.logWith(LevelDebug, msg, args...)
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.logWith(LevelInfo, msg, args...)
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.logWith(LevelWarn, msg, args...)
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.logWith(LevelError, msg, args...)
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.logWith(LevelError, msg, args...)
	os.Exit(1)
}

// NewJSONLogger returns a new Logger which writes one JSON document per line
// to stdout. Useful when running under a log collector.
func NewJSONLogger(levels ...LogLevel) Logger {
	return NewJSONLoggerWithWriter(os.Stdout, levels...)
}

// NewJSONLoggerWithWriter returns a new JSON Logger writing to out.
func NewJSONLoggerWithWriter(out io.Writer, levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{
		out:      out,
		mu:       &sync.Mutex{},
		metadata: map[string]interface{}{},
		logLevel: level,
		now:      time.Now,
	}
}
