package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/config"
)

// DefaultLineBuffer is the capacity of the channel feeding the dashboard log view
const DefaultLineBuffer = 256

// Setup is the process-wide logger plus the pieces that have to be torn down with it
type Setup struct {
	Logger *log.Logger
	// Lines carries each complete log line; nil when no line channel was requested
	Lines <-chan string

	file  *lumberjack.Logger
	lines *LineWriter
}

// Options control where log output goes
type Options struct {
	Log config.LogConfig
	// Console receives a copy of every line (stdout when running headless); may be nil
	Console io.Writer
	// LineBuffer > 0 enables the line channel
	LineBuffer int
}

// New builds the logger: a rotating file, optionally mirrored to a console and to a
// line channel.
func New(opts Options) (*Setup, error) {
	var writers []io.Writer
	s := &Setup{}

	if opts.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Log.File), 0755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		s.file = &lumberjack.Logger{
			Filename:   opts.Log.File,
			MaxSize:    opts.Log.MaxSizeMB,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAgeDays,
		}
		writers = append(writers, s.file)
	}
	if opts.Console != nil {
		writers = append(writers, opts.Console)
	}
	if opts.LineBuffer > 0 {
		s.lines = NewLineWriter(opts.LineBuffer)
		s.Lines = s.lines.Lines()
		writers = append(writers, s.lines)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	s.Logger = log.New(io.MultiWriter(writers...), "", log.Ldate|log.Ltime|log.Lmicroseconds)
	return s, nil
}

// Close flushes the rotating file and closes the line channel
func (s *Setup) Close() error {
	if s.lines != nil {
		s.lines.Close()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// LineWriter is an io.Writer that splits output into lines and offers each one on a
// channel. A full channel drops the line so logging never blocks on the UI.
type LineWriter struct {
	mu      sync.Mutex
	ch      chan string
	partial bytes.Buffer
	closed  bool
	dropped uint64
}

func NewLineWriter(buffer int) *LineWriter {
	return &LineWriter{ch: make(chan string, buffer)}
}

// Lines returns the receive side of the line channel
func (w *LineWriter) Lines() <-chan string {
	return w.ch
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}

	w.partial.Write(p)
	for {
		data := w.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(data[:i])
		w.partial.Next(i + 1)
		select {
		case w.ch <- line:
		default:
			w.dropped++
		}
	}
	return len(p), nil
}

// Dropped returns how many lines were discarded because the channel was full
func (w *LineWriter) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close closes the channel; later writes are discarded
func (w *LineWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.ch)
}
