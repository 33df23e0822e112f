package util

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

// PionLoggerFactory routes pion's internal logging through the pterm logger.
// Pion's trace and debug output is only shown when debug logging is enabled.
type PionLoggerFactory struct{}

// NewLogger returns a pion logger for the given scope.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l pionLogger) format(msg string) string {
	return fmt.Sprintf("[%s] %s", l.scope, msg)
}

func (l pionLogger) Trace(msg string) { pterm.DefaultLogger.Trace(l.format(msg)) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	pterm.DefaultLogger.Trace(l.format(fmt.Sprintf(format, args...)))
}

func (l pionLogger) Debug(msg string) { pterm.DefaultLogger.Debug(l.format(msg)) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(l.format(fmt.Sprintf(format, args...)))
}

// Pion logs routine ICE/DTLS chatter at info; keep it at debug here.
func (l pionLogger) Info(msg string) { pterm.DefaultLogger.Debug(l.format(msg)) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(l.format(fmt.Sprintf(format, args...)))
}

func (l pionLogger) Warn(msg string) { pterm.DefaultLogger.Warn(l.format(msg)) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(l.format(fmt.Sprintf(format, args...)))
}

func (l pionLogger) Error(msg string) { pterm.DefaultLogger.Error(l.format(msg)) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(l.format(fmt.Sprintf(format, args...)))
}
