// Package logging provides the human-oriented logger shared by the agentid
// packages and CLI.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	debugStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	wireStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
)

// Logger writes timestamped, optionally coloured log lines. A nil *Logger is
// valid and discards everything, so packages can accept an optional logger
// without guarding each call.
type Logger struct {
	mu       sync.Mutex
	verbose  bool
	useColor bool
	wireMode bool
	writer   io.Writer
}

// NewLogger creates a logger writing to stderr
func NewLogger(verbose, useColor, wireMode bool) *Logger {
	return NewLoggerWithWriter(verbose, useColor, wireMode, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w
func NewLoggerWithWriter(verbose, useColor, wireMode bool, w io.Writer) *Logger {
	return &Logger{
		verbose:  verbose,
		useColor: useColor,
		wireMode: wireMode,
		writer:   w,
	}
}

// SetVerbose toggles verbose output
func (l *Logger) SetVerbose(verbose bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.verbose = verbose
	l.mu.Unlock()
}

// SetWriter redirects output
func (l *Logger) SetWriter(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.writer = w
	l.mu.Unlock()
}

// Verbose reports whether verbose output is enabled
func (l *Logger) Verbose() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

func (l *Logger) write(style lipgloss.Style, prefix, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return
	}

	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s %s %s", time.Now().Format("15:04:05.000"), prefix, msg)
	if l.useColor {
		line = style.Render(line)
	}
	fmt.Fprintln(l.writer, line)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(infoStyle, "[INFO]", format, args...)
}

// InfoVerbose logs an informational message only in verbose mode
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.Info(format, args...)
}

// Success logs a success message
func (l *Logger) Success(format string, args ...interface{}) {
	l.write(successStyle, "[OK]", format, args...)
}

// Warning logs a warning
func (l *Logger) Warning(format string, args ...interface{}) {
	l.write(warningStyle, "[WARN]", format, args...)
}

// WarningVerbose logs a warning only in verbose mode
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.Warning(format, args...)
}

// Error logs an error
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(errorStyle, "[ERROR]", format, args...)
}

// Debug logs a message only in verbose mode
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.write(debugStyle, "[DEBUG]", format, args...)
}

// Request logs an outgoing backend request body when wire logging is enabled
func (l *Logger) Request(endpoint string, body interface{}) {
	if l == nil || !l.wireMode {
		return
	}
	l.write(wireStyle, "[→]", "%s\n%s", endpoint, PrettyJSON(body))
}

// Response logs a backend response body when wire logging is enabled
func (l *Logger) Response(endpoint string, body interface{}) {
	if l == nil || !l.wireMode {
		return
	}
	l.write(wireStyle, "[←]", "%s\n%s", endpoint, PrettyJSON(body))
}

// PrettyJSON pretty-prints JSON for logging
func PrettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
