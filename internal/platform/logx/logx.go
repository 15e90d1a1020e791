// Package logx wraps the standard library logger with a per-component
// tag and constructor injection, so no package holds a package-level
// logger.
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger tags every line with a component name so coordinator and seller
// output can be told apart when run side by side during development.
type Logger struct {
	component string
	std       *log.Logger
}

// New builds a Logger writing to w (os.Stdout in production, a buffer in
// tests) tagged with component.
func New(component string, w io.Writer) *Logger {
	return &Logger{
		component: component,
		std:       log.New(w, "", log.LstdFlags),
	}
}

// Default builds a Logger writing to os.Stdout, the construction callers
// use outside of tests.
func Default(component string) *Logger {
	return New(component, os.Stdout)
}

func (l *Logger) prefixed(format string) string {
	return fmt.Sprintf("[%s] %s", l.component, format)
}

func (l *Logger) Info(format string, args ...any) {
	l.std.Printf("ℹ️  "+l.prefixed(format), args...)
}

func (l *Logger) Success(format string, args ...any) {
	l.std.Printf("✅ "+l.prefixed(format), args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.std.Printf("⚠️  "+l.prefixed(format), args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.std.Printf("❌ "+l.prefixed(format), args...)
}

// Fatal logs then exits 1, for unrecoverable startup errors.
func (l *Logger) Fatal(format string, args ...any) {
	l.std.Fatalf("❌ "+l.prefixed(format), args...)
}

// With returns a Logger for a narrower component name, e.g.
// base.With("router") for sub-parts of a larger subsystem.
func (l *Logger) With(sub string) *Logger {
	return &Logger{component: l.component + "." + sub, std: l.std}
}
