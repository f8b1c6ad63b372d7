package main

import (
	"io"
	"log/slog"

	"github.com/vilt-go/vilt/pkg/logging"
)

const logFileMaxSizeMB = 100

// newLogger logs to stderr at LOG_LEVEL, and to -log-file when set.
func newLogger() (*slog.Logger, io.Closer) {
	var opts []logging.Option
	if *flagLogFile != "" {
		opts = append(opts, logging.WithLogFile(*flagLogFile, logFileMaxSizeMB))
	}
	return logging.New(opts...)
}
