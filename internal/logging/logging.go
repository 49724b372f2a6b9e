// Package logging builds the prefixed loggers handed to each component.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chmdznr/offline-daylog/internal/config"
)

// Output is the shared log destination: stderr, plus a rotating file when
// one is configured.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger
}

// NewOutput opens the destination described by cfg.
func NewOutput(cfg config.Log) (*Output, error) {
	if cfg.File == "" {
		return &Output{w: os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return &Output{w: io.MultiWriter(os.Stderr, file), file: file}, nil
}

// Discard returns an output that drops everything.
func Discard() *Output {
	return &Output{w: io.Discard}
}

// Logger returns a logger writing to o with the given component prefix,
// e.g. "sync" becomes "[sync] ".
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Close flushes and closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
