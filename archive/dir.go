// archive/dir.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// dirBuilder copies files into a directory tree that mirrors their names.
type dirBuilder struct {
	dest, base string
	opts       Options
	tmp        string
	names      nameSet
	n          int
	done       bool
}

func newDir(dest, base string, opts Options) (*dirBuilder, error) {
	tmp, err := os.MkdirTemp(dest, "."+base+".tmp-*")
	if err != nil {
		return nil, errors.Annotatef(ErrDestinationUnavailable, "%s: %v", dest, err)
	}
	log.Debug("%s: staging directory", tmp)
	return &dirBuilder{dest: dest, base: base, opts: opts, tmp: tmp, names: newNameSet()}, nil
}

func (d *dirBuilder) Add(name, path string) (Added, error) {
	if d.done {
		return Added{}, errors.Errorf("%s: output already finished", name)
	}
	name = SanitizePath(name)

	f, fi, err := openSource(path)
	if err != nil {
		return Added{}, err
	}
	defer f.Close()

	if err := d.names.check(name); err != nil {
		return Added{}, err
	}

	target := filepath.Join(d.tmp, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return Added{}, errors.Annotatef(ErrArchiveWrite, "%s: %v", target, err)
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fi.Mode().Perm()|0200)
	if err != nil {
		return Added{}, errors.Annotatef(ErrArchiveWrite, "%s: %v", target, err)
	}

	a, err := copyContents(out, f, fi, d.opts.Wrap)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = errors.Annotatef(ErrArchiveWrite, "%s: %v", target, cerr)
	}
	if err != nil {
		// Don't leave a truncated copy behind.
		os.Remove(target)
		return Added{}, err
	}

	if err := os.Chmod(target, fi.Mode().Perm()); err != nil {
		log.Verbose("%s: %v", target, err)
	}
	if err := os.Chtimes(target, fi.ModTime(), fi.ModTime()); err != nil {
		log.Verbose("%s: %v", target, err)
	}
	d.names.add(name)
	d.n++
	return a, nil
}

func (d *dirBuilder) Len() int {
	return d.n
}

func (d *dirBuilder) Commit() (string, error) {
	if d.done {
		return "", errors.New("output already finished")
	}
	d.done = true

	// MkdirTemp creates the directory private to the user.
	if err := os.Chmod(d.tmp, 0755); err != nil {
		os.RemoveAll(d.tmp)
		return "", errors.Annotatef(ErrArchiveWrite, "%s: %v", d.tmp, err)
	}
	final := finalPath(d.dest, d.base, "")
	if err := os.Rename(d.tmp, final); err != nil {
		os.RemoveAll(d.tmp)
		return "", errors.Annotatef(ErrArchiveWrite, "%s: %v", final, err)
	}
	log.Verbose("%s: copied %d files", final, d.n)
	return final, nil
}

func (d *dirBuilder) Abort() error {
	if d.done {
		return nil
	}
	d.done = true
	return errors.Trace(os.RemoveAll(d.tmp))
}
