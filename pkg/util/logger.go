package util

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// NewLogger returns a logfmt logger writing to w. Debug lines are dropped
// unless verbose is set.
func NewLogger(w io.Writer, verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	if !verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return logger
}

// LoggerWithPid returns a Logger annotated with the process id under analysis.
func LoggerWithPid(pid uint64, l log.Logger) log.Logger {
	return log.With(l, "pid", pid)
}
