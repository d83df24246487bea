// Package logging sets up the daemon's log output: standard library loggers
// with a component prefix, written to stdout and optionally to a
// size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/large-farva/sentinel-bridge/internal/config"
)

const flags = log.LstdFlags | log.Lmicroseconds

// Output is where every logger of the process writes.
type Output struct {
	io.Writer
	file *lumberjack.Logger
}

// Open returns stdout, teed into a rotating file when cfg.File is set.
func Open(cfg config.LoggingConfig) (*Output, error) {
	if cfg.File == "" {
		return &Output{Writer: os.Stdout}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	f := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   false,
	}
	return &Output{Writer: io.MultiWriter(os.Stdout, f), file: f}, nil
}

// Close releases the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

// New returns a logger whose lines start with prefix.
func New(w io.Writer, prefix string) *log.Logger {
	return log.New(w, prefix, flags)
}

// Debug returns a logger for verbose lines. It discards everything unless
// level is "debug".
func Debug(w io.Writer, prefix, level string) *log.Logger {
	if level != "debug" {
		return log.New(io.Discard, prefix, flags)
	}
	return log.New(w, prefix+"debug: ", flags)
}
