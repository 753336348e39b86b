package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))

func color(val string) string {
	if isWindows || noColor {
		return ""
	}
	return val
}

const (
	Reset       = "\033[0m"
	Red         = "\033[31m"
	Green       = "\033[32m"
	Magenta     = "\033[35m"
	BlueBold    = "\033[34;1m"
	MagentaBold = "\033[35;1m"
	RedBold     = "\033[31;1m"
	YellowBold  = "\033[33;1m"
	WhiteBold   = "\033[37;1m"
	CyanBold    = "\033[36;1m"
	Gray        = "\033[1;90m"
	Purple      = "\u001b[38;5;200m"
)

var levelColors = map[LogLevel][2]string{
	LevelTrace: {CyanBold, Gray},
	LevelDebug: {BlueBold, Green},
	LevelInfo:  {YellowBold, WhiteBold},
	LevelWarn:  {MagentaBold, Magenta},
	LevelError: {RedBold, Red},
}

type consoleLogger struct {
	prefixes []string
	metadata map[string]interface{}
	logLevel LogLevel
}

var _ Logger = (*consoleLogger)(nil)

func (c *consoleLogger) clone() *consoleLogger {
	prefixes := make([]string, len(c.prefixes))
	copy(prefixes, c.prefixes)
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{
		prefixes: prefixes,
		metadata: metadata,
		logLevel: c.logLevel,
	}
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	if !slices.Contains(l.prefixes, prefix) {
		l.prefixes = append(l.prefixes, prefix)
	}
	return l
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	l := c.clone()
	for k, v := range metadata {
		l.metadata[k] = v
	}
	return l
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *consoleLogger) logWith(level LogLevel, msg string, args ...interface{}) {
	if level < c.logLevel {
		return
	}
	var prefix string
	var suffix string
	if len(c.prefixes) > 0 {
		prefix = color(Purple) + strings.Join(c.prefixes, " ") + color(Reset) + " "
	}
	if len(c.metadata) > 0 {
		buf, _ := json.Marshal(c.metadata)
		suffix = " " + color(Gray) + string(buf) + color(Reset)
	}
	levelString := level.String()
	var levelSuffix string
	if len(levelString) < 5 {
		levelSuffix = strings.Repeat(" ", 5-len(levelString))
	}
	colors := levelColors[level]
	levelText := color(colors[0]) + fmt.Sprintf("[%s]%s", levelString, levelSuffix) + color(Reset)
	message := color(colors[1]) + fmt.Sprintf(msg, args...) + color(Reset)
	log.Printf("%s %s%s%s\n", levelText, prefix, message, suffix)
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.logWith(LevelTrace, msg, args...)
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.logWith(LevelDebug, msg, args...)
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.logWith(LevelInfo, msg, args...)
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.logWith(LevelWarn, msg, args...)
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.logWith(LevelError, msg, args...)
}

func (c *consoleLogger) Fatal(msg string, args ...interface{}) {
	c.logWith(LevelError, msg, args...)
	os.Exit(1)
}

// NewConsoleLogger returns a new Logger instance which will log to the console
func NewConsoleLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &consoleLogger{logLevel: level, metadata: map[string]interface{}{}}
}
