package logger

import (
	"fmt"
	"os"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

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
	reset      = "\033[0m"
	red        = "\033[31m"
	green      = "\033[32m"
	cyan       = "\033[36m"
	gray       = "\033[1;90m"
	blueBold   = "\033[34;1m"
	redBold    = "\033[31;1m"
	yellowBold = "\033[33;1m"
	cyanBold   = "\033[36;1m"
)

type consoleLogger struct {
	prefixes []string
	metadata map[string]interface{}
	logLevel LogLevel
}

var _ Logger = (*consoleLogger)(nil)

// NewConsole returns a logger that writes colorized, human-readable lines to
// stderr. Color is suppressed when stdout is not a terminal.
func NewConsole(level LogLevel) Logger {
	return &consoleLogger{logLevel: level}
}

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

// With will return a new logger using metadata as the base context
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

func (c *consoleLogger) write(level LogLevel, levelColor, label, msg string, args []interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	var sb strings.Builder
	sb.WriteString(color(gray))
	sb.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	sb.WriteString(color(reset))
	sb.WriteString(" ")
	sb.WriteString(color(levelColor))
	sb.WriteString(fmt.Sprintf("%-5s", label))
	sb.WriteString(color(reset))
	sb.WriteString(" ")
	for _, prefix := range c.prefixes {
		sb.WriteString(color(cyan))
		sb.WriteString(prefix)
		sb.WriteString(color(reset))
		sb.WriteString(" ")
	}
	if len(args) > 0 {
		sb.WriteString(fmt.Sprintf(msg, args...))
	} else {
		sb.WriteString(msg)
	}
	if len(c.metadata) > 0 {
		keys := make([]string, 0, len(c.metadata))
		for k := range c.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf(" %s%s%s=%v", color(green), k, color(reset), c.metadata[k]))
		}
	}
	fmt.Fprintln(os.Stderr, sb.String())
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.write(LevelTrace, cyanBold, "TRACE", msg, args)
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.write(LevelDebug, blueBold, "DEBUG", msg, args)
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.write(LevelInfo, yellowBold, "INFO", msg, args)
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.write(LevelWarn, redBold, "WARN", msg, args)
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.write(LevelError, red, "ERROR", msg, args)
}
