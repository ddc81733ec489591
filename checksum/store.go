// checksum/store.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package checksum computes content hashes of files and keeps the durable
// mapping from file path to the last hash that was backed up, which is
// what makes incremental backups possible.
package checksum

import (
	"time"

	"github.com/juju/errors"
	u "github.com/mmp/quickbackup/util"
)

const (
	// ErrFileRead is the cause of any failure to open or read a source
	// file's contents.
	ErrFileRead = errors.ConstError("file read error")
	// ErrStoreCorrupt is reported when a store file can't be decoded.
	ErrStoreCorrupt = errors.ConstError("checksum store corrupt")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Interface to checksum stores

// Record is what's remembered about a file that was included in a
// successful backup.
type Record struct {
	Hash Hash
	Size int64
	// ModTime is the file's modification time when it was hashed. It's
	// only consulted by the optional size+mtime fast path.
	ModTime    time.Time
	RecordedAt time.Time
}

// Store describes the mapping from absolute file paths to Records. There
// is at most one Record per path. Records are only ever added or
// overwritten; deleting a source file leaves its stale record in place,
// which is harmless.
//
// The contents are loaded fully into memory when a Store is created and
// rewritten fully by Flush. It isn't safe for multiple goroutines to call
// Store methods concurrently.
type Store interface {
	// String returns the name of the Store in the form of a string.
	String() string

	// Lookup returns the record for the given path, if there is one.
	Lookup(path string) (Record, bool)

	// Put adds or replaces the record for the given path. The change
	// isn't durable until Flush is called.
	Put(path string, r Record)

	// Len returns the number of records.
	Len() int

	// Paths calls f for each path with a record, in sorted order.
	Paths(f func(path string, r Record))

	// Flush makes all records added with Put durable.
	Flush() error
}
