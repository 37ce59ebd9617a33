package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileLogger writes timestamped, leveled messages to a small set of
// destination files under a workspace's state/logs directory, plus a
// rolling "last run" summary. It implements Logger.
type FileLogger struct {
	dir string

	runFile   *os.File
	eventFile *os.File
	debugFile *os.File

	mu sync.Mutex
}

// NewFileLogger creates (or truncates) the log files under dir, which must
// already exist or be creatable by the caller.
func NewFileLogger(dir string) (*FileLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &FileLogger{dir: dir}

	var err error
	if l.runFile, err = os.Create(filepath.Join(dir, "00_last_run.log")); err != nil {
		return nil, err
	}
	if l.eventFile, err = os.Create(filepath.Join(dir, "01_events.log")); err != nil {
		return nil, err
	}
	if l.debugFile, err = os.Create(filepath.Join(dir, "02_debug.log")); err != nil {
		return nil, err
	}

	l.writeHeaders()
	return l, nil
}

func (l *FileLogger) writeHeaders() {
	ts := time.Now().Format(time.RFC3339)
	fmt.Fprintf(l.runFile, "ciel run - %s\n%s\n\n", ts, strings.Repeat("=", 70))
	fmt.Fprintf(l.eventFile, "events - %s\n\n", ts)
	fmt.Fprintf(l.debugFile, "debug - %s\n\n", ts)
}

// Close closes all open log files. Safe to call once.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, f := range []*os.File{l.runFile, l.eventFile, l.debugFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *FileLogger) line(f *os.File, level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format("15:04:05")
	msg := fmt.Sprintf("[%s] %s: %s\n", ts, level, fmt.Sprintf(format, args...))
	f.WriteString(msg)
	l.runFile.WriteString(msg)
	f.Sync()
}

func (l *FileLogger) Info(format string, args ...any)  { l.line(l.eventFile, "INFO", format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.line(l.eventFile, "WARN", format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.line(l.eventFile, "ERROR", format, args...) }
func (l *FileLogger) Debug(format string, args ...any) { l.line(l.debugFile, "DEBUG", format, args...) }
