// checksum/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package checksum

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
)

// diskFormatVersion is bumped whenever the encoding of diskFile changes
// incompatibly.
const diskFormatVersion = 1

// diskFile is the gob-encoded contents of a store file.
type diskFile struct {
	Version int
	Records map[string]Record
}

type disk struct {
	path    string
	records map[string]Record
	dirty   bool
}

// Open returns a checksum.Store backed by the file at path. A missing file
// yields an empty store; the file (and its directory) is created on the
// first Flush. A file that exists but can't be decoded results in an
// error that satisfies errors.Is(err, ErrStoreCorrupt); callers that
// would rather start over can use OpenOrReset.
func Open(path string) (Store, error) {
	d := &disk{path: path, records: make(map[string]Record)}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return d, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading checksum store")
	}

	var df diskFile
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&df); err != nil {
		return nil, errors.Annotatef(ErrStoreCorrupt, "%s: %v", path, err)
	}
	if df.Version != diskFormatVersion {
		return nil, errors.Annotatef(ErrStoreCorrupt, "%s: unsupported version %d",
			path, df.Version)
	}
	if df.Records != nil {
		d.records = df.Records
	}
	log.Debug("%s: loaded %d checksum records", path, len(d.records))
	return d, nil
}

// OpenOrReset is like Open, but a corrupt store file is reported as a
// warning and replaced by an empty store. The only consequence is that
// the next incremental backup includes every file.
func OpenOrReset(path string) (Store, error) {
	s, err := Open(path)
	if errors.Is(err, ErrStoreCorrupt) {
		log.Warning("%v; starting with an empty checksum store", err)
		return &disk{path: path, records: make(map[string]Record), dirty: true}, nil
	}
	return s, err
}

func (d *disk) String() string {
	return "disk: " + d.path
}

func (d *disk) Lookup(path string) (Record, bool) {
	r, ok := d.records[path]
	return r, ok
}

func (d *disk) Put(path string, r Record) {
	d.records[path] = r
	d.dirty = true
}

func (d *disk) Len() int {
	return len(d.records)
}

func (d *disk) Paths(f func(path string, r Record)) {
	forSorted(d.records, f)
}

// Flush rewrites the whole store file. The new contents are written to a
// temporary file that is renamed into place, so a crash leaves either the
// old or the new store, never a mix.
func (d *disk) Flush() error {
	if !d.dirty {
		return nil
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(diskFile{Version: diskFormatVersion, Records: d.records})
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0700); err != nil {
		return errors.Annotatef(err, "creating checksum store directory")
	}
	if err := utils.AtomicWriteFile(d.path, buf.Bytes(), 0600); err != nil {
		return errors.Annotatef(err, "writing checksum store")
	}

	log.Debug("%s: wrote %d checksum records", d.path, len(d.records))
	d.dirty = false
	return nil
}
