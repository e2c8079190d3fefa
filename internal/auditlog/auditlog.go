// Package auditlog implements the allocator's structured log stream:
// one formatted line per allocator event, serialized across threads and
// cooperating processes with an advisory whole-file lock so that no two
// writers interleave a partial line (spec §6).
package auditlog

import (
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/msmalloc/secmalloc/internal/config"
)

// lineBufSize bounds the formatting buffer used for every log line. A
// log call triggered from deep inside the allocator must not itself grow
// the heap it is auditing, so formatting never escapes this fixed buffer.
const lineBufSize = 256

// Logger serializes writes to the configured log sink. Its zero value is
// not usable; obtain the process-wide instance with Get.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	flock    *flock.Flock
	enabled  bool
	runID    string
	fallback bool
}

var (
	singleton *Logger
	once      sync.Once
)

// Get returns the process-wide Logger, opening the configured sink (or
// falling back to stdout) on first use.
func Get() *Logger {
	once.Do(func() {
		singleton = newLogger()
	})
	return singleton
}

func newLogger() *Logger {
	path, set := config.LogSinkPath()
	l := &Logger{runID: uuid.New().String()}
	if !set {
		l.enabled = false
		return l
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		l.file = os.Stdout
		l.fallback = true
		l.enabled = true
		return l
	}

	l.file = f
	l.flock = flock.New(path)
	l.enabled = true
	return l
}

// Printf formats and writes one log line. It is a no-op when MSM_OUPUT
// was never set, matching spec §6 ("Absent => logging is disabled").
func (l *Logger) Printf(format string, args ...interface{}) {
	if l == nil || !l.enabled {
		return
	}

	var buf [lineBufSize]byte
	line := appendLine(buf[:0], l.runID, format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.flock != nil {
		if err := l.flock.Lock(); err == nil {
			defer l.flock.Unlock()
		}
	}
	l.file.Write(line)
}

func appendLine(buf []byte, runID, format string, args ...interface{}) []byte {
	buf = append(buf, '[')
	buf = append(buf, runID...)
	buf = append(buf, "] "...)
	msg := fmt.Sprintf(format, args...)
	if len(msg) > lineBufSize-len(buf)-1 {
		msg = msg[:lineBufSize-len(buf)-1]
	}
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	return buf
}

// Close releases the underlying file handle, if any was opened (not the
// stdout fallback).
func (l *Logger) Close() error {
	if l == nil || l.file == nil || l.fallback {
		return nil
	}
	return l.file.Close()
}
