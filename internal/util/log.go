package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Logger writes structured lines through pterm.DefaultLogger, tagging each
// one with the component that produced it. The zero value logs untagged.
type Logger struct {
	component string
}

// For returns a Logger for the named component (e.g. "signaling", "peer").
func For(component string) Logger {
	return Logger{component: component}
}

// With returns a copy whose component name is suffixed with sub, so
// For("peer").With("b1c2") tags lines as "peer/b1c2".
func (l Logger) With(sub string) Logger {
	if l.component == "" {
		return Logger{component: sub}
	}
	return Logger{component: l.component + "/" + sub}
}

func (l Logger) Debug(msg string, kv ...any) { pterm.DefaultLogger.Debug(msg, l.args(kv)) }
func (l Logger) Info(msg string, kv ...any)  { pterm.DefaultLogger.Info(msg, l.args(kv)) }
func (l Logger) Warn(msg string, kv ...any)  { pterm.DefaultLogger.Warn(msg, l.args(kv)) }
func (l Logger) Error(msg string, kv ...any) { pterm.DefaultLogger.Error(msg, l.args(kv)) }

func (l Logger) args(kv []any) []pterm.LoggerArgument {
	if l.component == "" {
		return pterm.DefaultLogger.Args(kv...)
	}
	return pterm.DefaultLogger.Args(append([]any{"component", l.component}, kv...)...)
}

// Leveled printf-style helpers for CLI-level messages.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
