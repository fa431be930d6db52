package monitoring

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// OutputConfig controls where the standard logger writes.
type OutputConfig struct {
	File       string // empty keeps stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Stderr     bool // also copy to stderr when File is set
}

// ConfigureOutput points the standard logger at a rotating file when cfg.File
// is set. The returned closer flushes and closes the file; it is a no-op when
// logging stays on stderr.
func ConfigureOutput(cfg OutputConfig) io.Closer {
	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	var w io.Writer = lj
	if cfg.Stderr {
		w = io.MultiWriter(os.Stderr, lj)
	}
	log.SetOutput(w)
	return lj
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
