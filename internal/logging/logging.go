// Package logging defines the host-overridable logging sink used
// throughout the server: a sink handle held by the server at
// construction, built on the stdlib log package rather than a
// structured-logging library.
package logging

import (
	"log"
	"os"
)

// Logger receives formatted messages tagged I:, W:, or E:.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StderrLogger is the default Logger: a thin wrapper over a stdlib
// *log.Logger writing to stderr.
type StderrLogger struct {
	l *log.Logger
}

// NewStderrLogger returns a Logger writing timestamped lines to stderr.
func NewStderrLogger() *StderrLogger {
	return &StderrLogger{l: log.New(os.Stderr, "", log.LstdFlags)}
}

func (s *StderrLogger) Infof(format string, args ...any)  { s.l.Printf("I: "+format, args...) }
func (s *StderrLogger) Warnf(format string, args ...any)  { s.l.Printf("W: "+format, args...) }
func (s *StderrLogger) Errorf(format string, args ...any) { s.l.Printf("E: "+format, args...) }

// Nop is a Logger that discards everything, useful for tests.
type Nop struct{}

func (Nop) Infof(string, ...any)  {}
func (Nop) Warnf(string, ...any)  {}
func (Nop) Errorf(string, ...any) {}
