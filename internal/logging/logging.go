// Package logging builds the per-component loggers used across the agent.
//
// Every component gets a standard *log.Logger with a bracketed prefix
// ("[engine] ", "[upload] ", ...). Output always goes to stderr; when a log
// file is configured it is mirrored there through a rotating writer.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log output.
type Config struct {
	// File, if set, receives a copy of every line and is rotated by size.
	File string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Verbose asks components to log every observation and cycle.
	Verbose bool
}

// Logs owns the shared log destination.
type Logs struct {
	out     io.Writer
	file    *lumberjack.Logger
	verbose bool
}

// Setup opens the configured destinations. stderr may be nil, in which
// case os.Stderr is used. Call Close when done.
func Setup(cfg Config, stderr io.Writer) (*Logs, error) {
	if stderr == nil {
		stderr = os.Stderr
	}
	l := &Logs{out: stderr, verbose: cfg.Verbose}

	if cfg.File == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	l.file = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	l.out = io.MultiWriter(stderr, l.file)
	return l, nil
}

// New returns a logger for component, e.g. New("engine") prefixes "[engine] ".
func (l *Logs) New(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the combined destination.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Verbose reports whether verbose output was requested.
func (l *Logs) Verbose() bool {
	return l.verbose
}

// Rotate forces the log file to roll over. It is a no-op without a file.
func (l *Logs) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
