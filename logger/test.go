package logger

import (
	"fmt"
	"os"
	"sync"
)

type TestLogEntry struct {
	Severity string
	Message  string
}

// TestLogger captures log entries in memory for assertions in tests.
type TestLogger struct {
	mu       sync.Mutex
	metadata map[string]interface{}
	entries  []TestLogEntry
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	return c
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

func (c *TestLogger) logWith(severity string, msg string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, TestLogEntry{severity, fmt.Sprintf(msg, args...)})
}

// Entries returns a copy of the captured log entries.
func (c *TestLogger) Entries() []TestLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TestLogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.logWith("TRACE", msg, args...)
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.logWith("DEBUG", msg, args...)
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.logWith("INFO", msg, args...)
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.logWith("WARN", msg, args...)
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.logWith("ERROR", msg, args...)
}

func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.logWith("FATAL", msg, args...)
	os.Exit(1)
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{}
}
