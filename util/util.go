// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

///////////////////////////////////////////////////////////////////////////
// ReportingReader

// Small wrapper around io.Reader that implements io.ReadCloser.
// Periodically logs how many bytes have been read and the rate of
// processing them in bytes / second.
type ReportingReader struct {
	R                        io.Reader
	Msg                      string
	Log                      *Logger
	start                    time.Time
	reportCounter, readBytes int64
}

// ReportFrequency is the number of bytes between progress reports; it's
// also the size above which callers bother wrapping a reader at all.
const ReportFrequency = 128 * 1024 * 1024

func (r *ReportingReader) Read(buf []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
		r.reportCounter = ReportFrequency
		r.readBytes = 0
	}

	n, err := r.R.Read(buf)

	r.readBytes += int64(n)
	r.reportCounter -= int64(n)
	if r.reportCounter < 0 {
		r.report("")
		r.reportCounter += ReportFrequency
	}

	return n, err
}

func (r *ReportingReader) report(prefix string) {
	delta := time.Since(r.start)
	bytesPerSec := uint64(float64(r.readBytes) / delta.Seconds())
	r.Log.Verbose("%s%s %s [%s/s]", prefix, r.Msg, humanize.IBytes(uint64(r.readBytes)),
		humanize.IBytes(bytesPerSec))
}

func (r *ReportingReader) Close() error {
	if !r.start.IsZero() {
		r.report("Finished. ")
	}

	if rc, ok := r.R.(io.ReadCloser); ok {
		return rc.Close()
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

// ReaderWrapper decorates the reader for a file's contents; path and size
// identify the file.
type ReaderWrapper func(r io.Reader, path string, size int64) io.Reader

// Wrap applies w to r, returning r unchanged if w is nil.
func (w ReaderWrapper) Wrap(r io.Reader, path string, size int64) io.Reader {
	if w == nil {
		return r
	}
	return w(r, path, size)
}

// NewReaderWrapper returns a ReaderWrapper that throttles reads through
// the given limiter (which may be nil) and reports progress on files
// larger than ReportFrequency when verbose logging is enabled.
func NewReaderWrapper(limiter *Limiter, log *Logger) ReaderWrapper {
	return func(r io.Reader, path string, size int64) io.Reader {
		r = limiter.Reader(r)
		if size > ReportFrequency && log != nil {
			r = &ReportingReader{R: r, Msg: path, Log: log}
		}
		return r
	}
}
