// Package logging builds the process log writer and the per-component
// loggers derived from it.
//
// Components receive a plain *log.Logger with a bracketed prefix, e.g.
// "[merger] ". When a file is configured the writer rotates it with
// lumberjack; otherwise it writes to stderr.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds log output settings.
type Config struct {
	// File to write to; empty means stderr
	File string `mapstructure:"file"`

	// Rotation limits for File
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`

	// Debug enables per-message logging
	Debug bool `mapstructure:"debug"`
}

// Logging owns the shared writer.
type Logging struct {
	w      io.Writer
	closer io.Closer
	debug  atomic.Bool
}

// New opens the writer described by cfg.
func New(cfg Config) (*Logging, error) {
	l := &Logging{w: os.Stderr}
	l.debug.Store(cfg.Debug)

	if cfg.File == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	l.w = lj
	l.closer = lj
	return l, nil
}

// Writer returns the shared writer.
func (l *Logging) Writer() io.Writer { return l.w }

// Logger returns a logger for component, prefixed "[component] ".
func (l *Logging) Logger(component string) *log.Logger {
	return log.New(l.w, "["+component+"] ", log.LstdFlags)
}

// Debug reports whether per-message logging is on.
func (l *Logging) Debug() bool { return l.debug.Load() }

// SetDebug toggles per-message logging.
func (l *Logging) SetDebug(on bool) { l.debug.Store(on) }

// Close flushes and closes the log file, if any.
func (l *Logging) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
