// walk/walk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package walk enumerates the regular files under a set of backup sources.
// The enumeration is lazy: directories are read one at a time as the
// consumer asks for more entries, so memory use doesn't grow with the size
// of the tree being walked.
package walk

import (
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	u "github.com/mmp/quickbackup/util"
)

const (
	// ErrSourceUnavailable is reported (as a warning) for a configured
	// source that doesn't exist or can't be examined.
	ErrSourceUnavailable = errors.ConstError("source unavailable")
	// ErrDirUnreadable is reported (as a warning) for a directory whose
	// contents can't be listed.
	ErrDirUnreadable = errors.ConstError("directory unreadable")
	// ErrBrokenLink is reported (as a warning) for a symbolic link whose
	// target can't be resolved.
	ErrBrokenLink = errors.ConstError("broken symbolic link")
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// FileEntry describes one regular file found under a source.
type FileEntry struct {
	// SourceRoot is the configured source the file was found under.
	SourceRoot string
	// Path is the absolute path by which the file was reached.
	Path string
	// RealPath is the canonical absolute path, with all symbolic links
	// resolved. Each RealPath is produced at most once per walk.
	RealPath string
	// Name is the slash-separated path of the file relative to the parent
	// of SourceRoot, i.e. it starts with SourceRoot's base name.
	Name    string
	Size    int64
	ModTime time.Time
}

// Walker produces the FileEntries for an ordered list of sources. A source
// may be a file or a directory.
type Walker struct {
	sources []string
	warn    func(error)
}

// New returns a Walker over the given sources. Problems that cause some
// part of a source to be skipped are passed to warn, which may be nil.
func New(sources []string, warn func(error)) *Walker {
	return &Walker{sources: sources, warn: warn}
}

// Entries returns the sequence of all regular files reachable from the
// Walker's sources. Symbolic links are followed, but every directory is
// descended into at most once and every file is produced at most once,
// identified by its canonical path; this handles both link cycles and
// sources that overlap on disk. When the same file is reachable from two
// sources, it's attributed to whichever is walked first.
//
// Each call starts a fresh walk, so the sequence may be iterated more than
// once.
func (w *Walker) Entries() iter.Seq[FileEntry] {
	return func(yield func(FileEntry) bool) {
		ws := &walkState{
			warn:      w.warn,
			yield:     yield,
			seenDirs:  make(map[string]struct{}),
			seenFiles: make(map[string]struct{}),
		}
		for _, src := range w.sources {
			if !ws.source(src) {
				return
			}
		}
	}
}

type walkState struct {
	warn      func(error)
	yield     func(FileEntry) bool
	seenDirs  map[string]struct{}
	seenFiles map[string]struct{}
}

func (ws *walkState) warning(err error) {
	log.Warning("%v", err)
	if ws.warn != nil {
		ws.warn(err)
	}
}

// The walk functions return false once the consumer has asked to stop.
func (ws *walkState) source(src string) bool {
	root, err := filepath.Abs(src)
	if err != nil {
		ws.warning(errors.Annotatef(ErrSourceUnavailable, "%s: %v", src, err))
		return true
	}

	fi, err := os.Stat(root)
	if err != nil {
		ws.warning(errors.Annotatef(ErrSourceUnavailable, "%s: %v", root, err))
		return true
	}
	real, err := filepath.EvalSymlinks(root)
	if err != nil {
		ws.warning(errors.Annotatef(ErrSourceUnavailable, "%s: %v", root, err))
		return true
	}

	prefix := rootName(root)
	switch {
	case fi.IsDir():
		if _, ok := ws.seenDirs[real]; ok {
			log.Verbose("%s: already walked as part of another source", root)
			return true
		}
		ws.seenDirs[real] = struct{}{}
		return ws.dir(root, root, real, prefix)
	case fi.Mode().IsRegular():
		return ws.file(root, root, real, prefix, fi)
	default:
		log.Verbose("%s: not a regular file or directory; skipping", root)
		return true
	}
}

// dir walks the directory at dirPath, whose canonical path is realDir.
// The Names of its files are prefixed with prefix.
func (ws *walkState) dir(root, dirPath, realDir, prefix string) bool {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		ws.warning(errors.Annotatef(ErrDirUnreadable, "%s: %v", dirPath, err))
		// ReadDir returns whatever it managed to read before the error.
		if len(entries) == 0 {
			return true
		}
	}

	for _, e := range entries {
		p := filepath.Join(dirPath, e.Name())
		name := path.Join(prefix, e.Name())
		real := filepath.Join(realDir, e.Name())

		mode := e.Type()
		var fi fs.FileInfo
		if mode&fs.ModeSymlink != 0 {
			// Follow it; the target decides what this entry is.
			if fi, err = os.Stat(p); err != nil {
				ws.warning(errors.Annotatef(ErrBrokenLink, "%s: %v", p, err))
				continue
			}
			if real, err = filepath.EvalSymlinks(p); err != nil {
				ws.warning(errors.Annotatef(ErrBrokenLink, "%s: %v", p, err))
				continue
			}
			mode = fi.Mode().Type()
		}

		switch {
		case mode.IsDir():
			if _, ok := ws.seenDirs[real]; ok {
				log.Debug("%s: directory already walked (as %s)", p, real)
				continue
			}
			ws.seenDirs[real] = struct{}{}
			if !ws.dir(root, p, real, name) {
				return false
			}
		case mode.IsRegular():
			if fi == nil {
				if fi, err = e.Info(); err != nil {
					// It vanished between the listing and now.
					log.Verbose("%s: %v", p, err)
					continue
				}
			}
			if !ws.file(root, p, real, name, fi) {
				return false
			}
		default:
			log.Debug("%s: skipping non-regular file", p)
		}
	}
	return true
}

func (ws *walkState) file(root, p, real, name string, fi fs.FileInfo) bool {
	if _, ok := ws.seenFiles[real]; ok {
		log.Debug("%s: file already walked (as %s)", p, real)
		return true
	}
	ws.seenFiles[real] = struct{}{}

	return ws.yield(FileEntry{
		SourceRoot: root,
		Path:       p,
		RealPath:   real,
		Name:       name,
		Size:       fi.Size(),
		ModTime:    fi.ModTime(),
	})
}

// rootName returns the name that a source's contents are stored under in
// an archive: its base name, or "root" for a filesystem root.
func rootName(root string) string {
	base := filepath.Base(root)
	vol := filepath.VolumeName(root)
	base = strings.TrimPrefix(base, vol)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "root"
	}
	return base
}
