// Package logger configures the process-wide zerolog logger: level, console
// and rotating file sinks, and secret redaction.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level     string    // debug, info, warn, error
	File      string    // log file path; empty disables the file sink
	Console   bool      // enable console output
	Pretty    bool      // human-readable console format
	Redaction bool      // mask tokens, secrets and DSN passwords
	Patterns  []string  // extra regular expressions to mask when redacting
	MaxSize   int       // MB before rotation
	MaxAge    int       // days rotated files are kept
	Compress  bool      // gzip rotated files
	Output    io.Writer // console destination, stderr when nil
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}

// Logger owns the sinks behind the global zerolog logger.
type Logger struct {
	zl       zerolog.Logger
	previous zerolog.Logger
	file     *RotatingWriter
	redactor *Redactor
}

// New builds a logger from cfg and installs it as log.Logger. An unknown
// level falls back to info.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{previous: log.Logger}
	var sinks []io.Writer
	if cfg.Console {
		// stdout carries command output.
		var out io.Writer = os.Stderr
		if cfg.Output != nil {
			out = cfg.Output
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		sinks = append(sinks, out)
	}
	if cfg.File != "" {
		if l.file, err = NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress); err != nil {
			return nil, err
		}
		sinks = append(sinks, l.file)
	}

	var w io.Writer = io.Discard
	switch {
	case len(sinks) == 1:
		w = sinks[0]
	case len(sinks) > 1:
		w = zerolog.MultiLevelWriter(sinks...)
	}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		for _, p := range cfg.Patterns {
			if err := l.redactor.AddPattern(p); err != nil {
				if l.file != nil {
					l.file.Close()
				}
				return nil, err
			}
		}
		w = l.redactor.Wrap(w)
	}

	l.zl = zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = l.zl
	return l, nil
}

// Zerolog returns the configured logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Redactor returns the active redactor, nil when redaction is off.
func (l *Logger) Redactor() *Redactor {
	return l.redactor
}

// Close closes the log file and reinstates the global logger that was in
// place before New.
func (l *Logger) Close() error {
	log.Logger = l.previous
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
