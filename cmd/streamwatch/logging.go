package main

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logOptions controls where and how verbosely streamwatch logs.
type logOptions struct {
	Verbose    bool
	File       string // Empty = stderr only
	MaxSizeMB  int
	MaxBackups int
}

// newLogger builds a text logger. With a file set, output also goes to a
// rotating log file. The returned closer flushes and closes the file.
func newLogger(opts logOptions, stderr io.Writer) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(stderr, lj)
		closer = lj
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

