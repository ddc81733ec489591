// change/change.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package change decides, for each file found by a walk, whether it needs
// to be included in the current backup.
package change

import (
	"io"

	"github.com/juju/errors"
	"github.com/mmp/quickbackup/checksum"
	u "github.com/mmp/quickbackup/util"
	"github.com/mmp/quickbackup/walk"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Class is the classification of one file for one run.
type Class int

const (
	New Class = iota
	Modified
	Unchanged
	Errored
)

func (c Class) String() string {
	switch c {
	case New:
		return "new"
	case Modified:
		return "modified"
	case Unchanged:
		return "unchanged"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Included reports whether files of class c go into the archive.
func (c Class) Included() bool {
	return c == New || c == Modified
}

// Result is the outcome of classifying one file.
type Result struct {
	Class Class
	// Hash is the content hash computed during classification. It's
	// only valid if Hashed is true; full runs and the fast path don't
	// hash.
	Hash   checksum.Hash
	Hashed bool
	// Err is set for Errored files; it satisfies
	// errors.Is(err, checksum.ErrFileRead).
	Err error
}

// Classifier compares files against the records in a checksum store.
type Classifier struct {
	Store checksum.Store
	// Incremental is false for full runs, where every file is New and
	// the store isn't consulted.
	Incremental bool
	// Fast enables the weaker check that considers a file Unchanged
	// without reading it when both its size and modification time match
	// its record. Two files with different contents can match on both,
	// so this is off by default.
	Fast bool
	// Wrap, if non-nil, decorates the readers used for hashing.
	Wrap u.ReaderWrapper
}

// Classify returns the classification of e. Records are looked up by the
// file's canonical path.
func (c *Classifier) Classify(e walk.FileEntry) Result {
	if !c.Incremental {
		return Result{Class: New}
	}

	rec, ok := c.Store.Lookup(e.RealPath)
	if ok && c.Fast && rec.Size == e.Size && rec.ModTime.Equal(e.ModTime) {
		log.Debug("%s: size and modification time match; not hashing", e.Path)
		return Result{Class: Unchanged}
	}

	h, n, err := checksum.HashFile(e.Path, func(r io.Reader) io.Reader {
		return c.Wrap.Wrap(r, e.Path, e.Size)
	})
	if err != nil {
		return Result{Class: Errored, Err: errors.Trace(err)}
	}
	if n != e.Size {
		log.Verbose("%s: size changed while walking (%d -> %d bytes)", e.Path, e.Size, n)
	}

	res := Result{Hash: h, Hashed: true}
	switch {
	case !ok:
		res.Class = New
	case rec.Hash != h:
		res.Class = Modified
	default:
		res.Class = Unchanged
	}
	log.Debug("%s: %s (%s)", e.Path, res.Class, h)
	return res
}
