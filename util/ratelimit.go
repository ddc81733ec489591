// util/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"io"

	"github.com/juju/ratelimit"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Limiter bounds the aggregate rate at which the readers it wraps can
// deliver bytes. All readers share a single token bucket, so reading
// several files back to back (or hashing and then archiving the same
// file) stays under the limit overall.
type Limiter struct {
	bucket *ratelimit.Bucket
}

// NewLimiter returns a Limiter that allows bytesPerSecond bytes per
// second. Zero or a negative rate means unlimited, in which case nil is
// returned; a nil *Limiter is valid and passes readers through unchanged.
func NewLimiter(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	// Don't ever queue up more than one second's worth of reading.
	return &Limiter{bucket: ratelimit.NewBucketWithRate(float64(bytesPerSecond), bytesPerSecond)}
}

// Reader returns r wrapped so that it doesn't exceed the limiter's rate.
func (l *Limiter) Reader(r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return ratelimit.Reader(r, l.bucket)
}

// Rate returns the configured rate in bytes per second, or zero when
// unlimited.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.bucket.Rate())
}
