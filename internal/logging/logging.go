// Package logging builds the process logger.
//
// Library packages never log globally; they take a zerolog.Logger from
// their constructor. This package is where cmd/tally makes that logger.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/tally/internal/config"
)

// New returns a logger configured by cfg and a closer for its file, if any.
//
// With cfg.File set, JSON lines go to a file rotated by size. Otherwise
// output goes to stderr, human-readable for format "console" and JSON for
// "json".
func New(cfg config.LogConfig, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("log level: %w", err)
	}

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch {
	case cfg.File != "":
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w, closer = zerolog.SyncWriter(lj), lj
	case cfg.Format == "json":
		w = stderr
	default:
		w = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
