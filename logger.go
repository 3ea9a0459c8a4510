package trfb

import "github.com/kestrelvnc/trfb/internal/logging"

// Logger receives formatted messages tagged I:, W:, or E:. A Server's
// default is StderrLogger; override it with SetLogger.
type Logger = logging.Logger

// StderrLogger is the default Logger implementation.
type StderrLogger = logging.StderrLogger

// NewStderrLogger returns a Logger writing timestamped lines to stderr.
func NewStderrLogger() *StderrLogger { return logging.NewStderrLogger() }
