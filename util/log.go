// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/juju/loggo"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Messages are routed through loggo so that other packages' loggers and
// ours share a single writer and level configuration.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	logger  loggo.Logger
	out     io.Writer
}

var configureOnce sync.Once

// NewLogger returns a Logger writing diagnostics to stderr and regular
// output (Print) to stdout.
func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(os.Stdout, os.Stderr, verbose, debug)
}

// NewLoggerTo is like NewLogger but with explicit destinations. The first
// call installs the diagnostics writer for the process.
func NewLoggerTo(out, diag io.Writer, verbose, debug bool) *Logger {
	configureOnce.Do(func() {
		_, _ = loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(diag, formatEntry))
	})

	l := &Logger{logger: loggo.GetLogger("quickbackup"), out: out}
	switch {
	case debug:
		l.logger.SetLogLevel(loggo.DEBUG)
	case verbose:
		l.logger.SetLogLevel(loggo.INFO)
	default:
		l.logger.SetLogLevel(loggo.WARNING)
	}
	return l
}

func (l *Logger) Print(f string, args ...interface{}) {
	if l == nil || l.out == nil {
		fmt.Printf("%s", terminate(fmt.Sprintf(f, args...)))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.out, terminate(fmt.Sprintf(f, args...)))
}

// Debug and Verbose output is dropped for a nil Logger.
func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		return
	}
	l.logger.LogCallf(2, loggo.DEBUG, f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		return
	}
	l.logger.LogCallf(2, loggo.INFO, f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, terminate(fmt.Sprintf(f, args...)))
		return
	}
	l.logger.LogCallf(2, loggo.WARNING, f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, terminate(fmt.Sprintf(f, args...)))
		return
	}

	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.logger.LogCallf(2, loggo.ERROR, f, args...)
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, terminate(fmt.Sprintf(f, args...)))
		os.Exit(1)
	}

	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.logger.LogCallf(2, loggo.CRITICAL, f, args...)
	os.Exit(1)
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	f, args := "Check failed", []interface{}(nil)
	if len(msg) > 0 {
		f, args = msg[0].(string), msg[1:]
	}
	if l == nil {
		fmt.Fprint(os.Stderr, terminate(fmt.Sprintf(f, args...)))
		os.Exit(1)
	}
	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.logger.LogCallf(2, loggo.CRITICAL, f, args...)
	os.Exit(1)
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	f, args := "Error: %+v", []interface{}{err}
	if len(msg) > 0 {
		f, args = msg[0].(string), msg[1:]
	}
	if l == nil {
		fmt.Fprint(os.Stderr, terminate(fmt.Sprintf(f, args...)))
		os.Exit(1)
	}
	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.logger.LogCallf(2, loggo.CRITICAL, f, args...)
	os.Exit(1)
}

// Errors returns the number of errors reported so far.
func (l *Logger) Errors() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.NErrors
}

// formatEntry lays out a loggo entry as "dir/file.go:line : message", with
// a timestamp and level prefix when debugging.
func formatEntry(e loggo.Entry) string {
	// Last two components of the path
	fnline := path.Base(path.Dir(e.Filename)) + "/" + path.Base(e.Filename) +
		fmt.Sprintf(":%d", e.Line)
	s := fmt.Sprintf("%-25s: ", fnline)
	if e.Level <= loggo.DEBUG {
		s = e.Timestamp.UTC().Format(time.TimeOnly) + " " + s
	}
	if e.Level >= loggo.WARNING {
		s += e.Level.String() + ": "
	}
	return strings.TrimSuffix(s+e.Message, "\n")
}

func terminate(s string) string {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
