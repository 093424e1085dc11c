package stealthdp

import (
	"os"

	"github.com/charmbracelet/log"
)

var (
	// Logger is the default package logger.
	Logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "stealthdp",
		ReportTimestamp: true,
	})
)

// LogFunc is the common logging func type.
type LogFunc func(string, ...interface{})

// logHooks holds the logging funcs of a session, injector or browser.
type logHooks struct {
	logf   LogFunc
	errf   LogFunc
	debugf LogFunc
}

// fill sets the unset hooks to the package Logger.
func (h *logHooks) fill() {
	if h.logf == nil {
		h.logf = Logger.Infof
	}
	if h.errf == nil {
		h.errf = Logger.Errorf
	}
	if h.debugf == nil {
		h.debugf = Logger.Debugf
	}
}
