// archive/archive.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package archive writes the output of a backup run: either a single zip
// file or a plain directory tree, in both cases named after the profile
// and the time of the run. Output is staged under a hidden temporary name
// in the destination directory and only renamed into place by Commit, so
// an interrupted run never leaves a partial archive under a final name.
package archive

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/mmp/quickbackup/checksum"
	u "github.com/mmp/quickbackup/util"
)

const (
	// ErrDestinationUnavailable is returned when the destination doesn't
	// exist, isn't a directory, or can't be written to. Nothing has been
	// written when it's returned.
	ErrDestinationUnavailable = errors.ConstError("destination unavailable")
	// ErrArchiveWrite is the cause of failures writing the output itself.
	// The output is unusable after one.
	ErrArchiveWrite = errors.ConstError("archive write error")
	// ErrDuplicateName is returned by Add for a name that was already
	// added (or that conflicts with one as a file/directory prefix); the
	// earlier file is kept.
	ErrDuplicateName = errors.ConstError("duplicate archive name")
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// TimeFormat is the layout of the timestamp in output names. It sorts
// lexicographically in time order.
const TimeFormat = "20060102_150405"

// BaseName returns the base output name for a run of the named profile
// started at t: "{profile}_{YYYYMMDD_HHMMSS}", in UTC.
func BaseName(profile string, t time.Time) string {
	return profile + "_" + t.UTC().Format(TimeFormat)
}

type Options struct {
	// Compress selects a zip file; otherwise files are copied into a
	// directory.
	Compress bool
	// Wrap, if non-nil, decorates the readers used for source files.
	Wrap u.ReaderWrapper
}

// Added describes the bytes that were stored for a file.
type Added struct {
	Hash checksum.Hash
	Size int64
}

// Builder accumulates files into a single output.
type Builder interface {
	// Add stores the file at path under the given slash-separated name.
	// Errors satisfying errors.Is(err, checksum.ErrFileRead) or
	// errors.Is(err, ErrDuplicateName) concern only this file and the
	// Builder remains usable; any other error is fatal to the output.
	Add(name, path string) (Added, error)

	// Len returns the number of files successfully added.
	Len() int

	// Commit finishes the output and moves it to its final name, which
	// is returned.
	Commit() (string, error)

	// Abort discards the output. It's a no-op after Commit.
	Abort() error
}

// New validates the destination directory and returns a Builder that
// will produce dest/{base}.zip or dest/{base}/.
func New(dest, base string, opts Options) (Builder, error) {
	if err := ValidateDestination(dest); err != nil {
		return nil, err
	}
	if opts.Compress {
		return newZip(dest, base, opts)
	}
	return newDir(dest, base, opts)
}

// removeFile is replaced in tests.
var removeFile = os.Remove

// ValidateDestination checks that dest is an existing directory in which
// files can be created.
func ValidateDestination(dest string) error {
	if dest == "" {
		return errors.Annotatef(ErrDestinationUnavailable, "no destination path")
	}
	fi, err := os.Stat(dest)
	if err != nil {
		return errors.Annotatef(ErrDestinationUnavailable, "%s: %v", dest, err)
	}
	if !fi.IsDir() {
		return errors.Annotatef(ErrDestinationUnavailable, "%s: not a directory", dest)
	}
	f, err := os.CreateTemp(dest, ".quickbackup-probe-*")
	if err != nil {
		return errors.Annotatef(ErrDestinationUnavailable, "%s: %v", dest, err)
	}
	name := f.Name()
	f.Close()
	if err := removeFile(name); err != nil {
		return errors.Annotatef(ErrDestinationUnavailable, "%s: %v", dest, err)
	}
	return nil
}

// finalPath returns dest/{base}{ext}, or, if something with that name
// already exists, the first free dest/{base}_NN{ext}.
func finalPath(dest, base, ext string) string {
	p := filepath.Join(dest, base+ext)
	for i := 1; ; i++ {
		if _, err := os.Lstat(p); os.IsNotExist(err) {
			return p
		}
		p = filepath.Join(dest, fmt.Sprintf("%s_%02d%s", base, i, ext))
	}
}

///////////////////////////////////////////////////////////////////////////
// Names

// SanitizePath normalizes an entry name: forward slashes, no volume or
// leading '/', and no '.' or '..' segments that could escape the root.
func SanitizePath(p string) string {
	s := filepath.ToSlash(p)
	if len(s) > 1 && s[1] == ':' {
		s = s[2:]
	}
	var stack []string
	for _, part := range strings.Split(s, "/") {
		switch part {
		case "", ".":
		case "..":
			if n := len(stack); n > 0 {
				stack = stack[:n-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return "entry"
	}
	return strings.Join(stack, "/")
}

// nameSet tracks the names in an output, along with the directories they
// imply, so that a file and a directory never claim the same name.
type nameSet struct {
	files map[string]struct{}
	dirs  map[string]struct{}
}

func newNameSet() nameSet {
	return nameSet{files: make(map[string]struct{}), dirs: make(map[string]struct{})}
}

// check returns an error satisfying errors.Is(err, ErrDuplicateName) if
// name can't be added.
func (s nameSet) check(name string) error {
	if _, ok := s.files[name]; ok {
		return errors.Annotatef(ErrDuplicateName, "%s", name)
	}
	if _, ok := s.dirs[name]; ok {
		return errors.Annotatef(ErrDuplicateName, "%s: already a directory", name)
	}
	for d := path.Dir(name); d != "."; d = path.Dir(d) {
		if _, ok := s.files[d]; ok {
			return errors.Annotatef(ErrDuplicateName, "%s: %s is a file", name, d)
		}
	}
	return nil
}

// add claims name, which must have passed check. Builders only call it
// once the file's contents are in the output, so that a file that fails
// to copy doesn't keep a later one with the same name out.
func (s nameSet) add(name string) {
	s.files[name] = struct{}{}
	for d := path.Dir(name); d != "."; d = path.Dir(d) {
		s.dirs[d] = struct{}{}
	}
}

///////////////////////////////////////////////////////////////////////////
// Copying

// isCompressed returns true for files with extensions whose contents are
// already compressed, and so aren't worth deflating.
func isCompressed(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	if len(ext) == 0 {
		return false
	}
	for _, e := range []string{"7z", "arw", "avi", "bz2", "flv", "gif", "gz", "heic", "jpeg",
		"jpg", "mkv", "mov", "mp3", "mp4", "mpeg", "mpg", "nef", "png", "raw", "wmv",
		"xz", "zip", "zst"} {
		if ext[1:] == e {
			return true
		}
	}
	return false
}

// sourceReader records the error from the underlying reader so that read
// failures can be told apart from write failures after an io.Copy.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// openSource opens the file at path for copying into an output.
func openSource(path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Annotatef(checksum.ErrFileRead, "%s: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Annotatef(checksum.ErrFileRead, "%s: %v", path, err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, nil, errors.Annotatef(checksum.ErrFileRead, "%s: not a regular file", path)
	}
	return f, fi, nil
}

// copyContents copies f to w, hashing the bytes as they go by.
func copyContents(w io.Writer, f *os.File, fi os.FileInfo, wrap u.ReaderWrapper) (Added, error) {
	h := checksum.NewHasher()
	src := &sourceReader{r: wrap.Wrap(f, f.Name(), fi.Size())}
	if _, err := io.Copy(w, io.TeeReader(src, h)); err != nil {
		if src.err != nil {
			return Added{}, errors.Annotatef(checksum.ErrFileRead, "%s: %v", f.Name(), src.err)
		}
		return Added{}, errors.Annotatef(ErrArchiveWrite, "%s: %v", f.Name(), err)
	}
	hash, n := h.Sum()
	return Added{Hash: hash, Size: n}, nil
}
