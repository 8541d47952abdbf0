// Package logging builds the component loggers. All components share one
// output: stderr by default, or a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zcrmtools/crmdash/internal/config"
)

// Output is a shared log destination.
type Output struct {
	w      io.Writer
	closer io.Closer

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// Open returns the log output described by cfg. An empty File writes to
// stderr; otherwise the file is rotated by size, keeping MaxBackups old
// files for at most MaxAgeDays.
func Open(cfg config.LogConfig) (*Output, error) {
	out := &Output{loggers: make(map[string]*log.Logger)}
	if cfg.File == "" {
		out.w = os.Stderr
		return out, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	out.w = lj
	out.closer = lj
	return out, nil
}

// Stderr is an Output writing to stderr.
func Stderr() *Output {
	return &Output{w: os.Stderr, loggers: make(map[string]*log.Logger)}
}

// Logger returns the logger of a component, prefixed "[component] ".
// Repeated calls return the same logger.
func (o *Output) Logger(component string) *log.Logger {
	o.mu.Lock()
	defer o.mu.Unlock()

	if l, ok := o.loggers[component]; ok {
		return l
	}
	l := log.New(o.w, "["+component+"] ", log.LstdFlags)
	o.loggers[component] = l
	return l
}

// Discard silences every logger handed out so far and every later one.
// Interactive commands use it so log lines do not tear the progress line.
func (o *Output) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.w = io.Discard
	for _, l := range o.loggers {
		l.SetOutput(io.Discard)
	}
}

// Close closes a rotated log file. It is a no-op for stderr.
func (o *Output) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}
