// archive/zip.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"archive/zip"
	"compress/flate"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
	"github.com/mmp/quickbackup/checksum"
)

// Flate writers carry a fair amount of state; reuse them across entries
// and archives.
var writerPool = sync.Pool{
	New: func() interface{} {
		w, err := flate.NewWriter(io.Discard, flate.DefaultCompression)
		log.CheckError(err)
		return w
	},
}

type pooledWriter struct {
	fw *flate.Writer
}

func newPooledWriter(w io.Writer) (io.WriteCloser, error) {
	fw := writerPool.Get().(*flate.Writer)
	fw.Reset(w)
	return &pooledWriter{fw}, nil
}

func (p *pooledWriter) Write(b []byte) (int, error) {
	if p.fw == nil {
		return 0, errors.New("write to closed compressor")
	}
	return p.fw.Write(b)
}

func (p *pooledWriter) Close() error {
	if p.fw == nil {
		return nil
	}
	err := p.fw.Close()
	writerPool.Put(p.fw)
	p.fw = nil
	return err
}

type zipBuilder struct {
	dest, base string
	opts       Options
	f          *os.File
	zw         *zip.Writer
	names      nameSet
	n          int
	done       bool
}

func newZip(dest, base string, opts Options) (*zipBuilder, error) {
	f, err := os.CreateTemp(dest, "."+base+".zip.tmp-*")
	if err != nil {
		return nil, errors.Annotatef(ErrDestinationUnavailable, "%s: %v", dest, err)
	}
	zw := zip.NewWriter(f)
	log.Debug("%s: staging archive", f.Name())

	return &zipBuilder{dest: dest, base: base, opts: opts, f: f, zw: zw,
		names: newNameSet()}, nil
}

// Add compresses the file into a spool file next to the staging archive
// and copies that into the archive only once the whole file has been
// read, so a file that fails partway through leaves no entry behind.
func (z *zipBuilder) Add(name, path string) (Added, error) {
	if z.done {
		return Added{}, errors.Errorf("%s: archive already finished", name)
	}
	name = SanitizePath(name)

	f, fi, err := openSource(path)
	if err != nil {
		return Added{}, err
	}
	defer f.Close()

	if err := z.names.check(name); err != nil {
		return Added{}, err
	}

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return Added{}, errors.Annotatef(checksum.ErrFileRead, "%s: %v", path, err)
	}
	hdr.Name = name
	setExtendedTime(hdr, fi.ModTime())
	if !isASCII(name) && utf8.ValidString(name) {
		hdr.Flags |= 0x800
	}
	if isCompressed(name) {
		hdr.Method = zip.Store
	} else {
		hdr.Method = zip.Deflate
	}

	spool, err := os.CreateTemp(z.dest, "."+z.base+".entry-*")
	if err != nil {
		return Added{}, errors.Annotatef(ErrArchiveWrite, "%s: %v", z.dest, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	a, crc, err := z.spoolEntry(spool, f, fi, hdr.Method)
	if err != nil {
		return Added{}, err
	}
	csize, err := spool.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = spool.Seek(0, io.SeekStart)
	}
	if err != nil {
		return Added{}, errors.Annotatef(ErrArchiveWrite, "%s: %v", spool.Name(), err)
	}

	// Sizes go in a trailing data descriptor, as with CreateHeader, so
	// that they can be 64-bit.
	hdr.Flags |= 0x8
	hdr.CRC32 = crc
	hdr.CompressedSize64 = uint64(csize)
	hdr.UncompressedSize64 = uint64(a.Size)
	w, err := z.zw.CreateRaw(hdr)
	if err != nil {
		return Added{}, errors.Annotatef(ErrArchiveWrite, "%s: %v", name, err)
	}
	if _, err := io.Copy(w, spool); err != nil {
		// The archive itself is now unusable.
		return Added{}, errors.Annotatef(ErrArchiveWrite, "%s: %v", name, err)
	}

	z.names.add(name)
	z.n++
	return a, nil
}

// spoolEntry writes the contents of f to spool, compressed with the given
// method, returning the CRC-32 of the uncompressed bytes.
func (z *zipBuilder) spoolEntry(spool io.Writer, f *os.File, fi os.FileInfo, method uint16) (Added, uint32, error) {
	var fw io.WriteCloser
	w := spool
	if method == zip.Deflate {
		fw, _ = newPooledWriter(spool)
		w = fw
	}
	crc := crc32.NewIEEE()
	a, err := copyContents(io.MultiWriter(w, crc), f, fi, z.opts.Wrap)
	if fw != nil {
		if cerr := fw.Close(); err == nil && cerr != nil {
			err = errors.Annotatef(ErrArchiveWrite, "%s: %v", f.Name(), cerr)
		}
	}
	if err != nil {
		return Added{}, 0, err
	}
	return a, crc.Sum32(), nil
}

// setExtendedTime adds the extended timestamp field that
// zip.Writer.CreateHeader writes and CreateRaw leaves to the caller.
// FileInfoHeader has already set the MS-DOS time.
func setExtendedTime(hdr *zip.FileHeader, t time.Time) {
	var extra [9]byte
	binary.LittleEndian.PutUint16(extra[0:], 0x5455)
	binary.LittleEndian.PutUint16(extra[2:], 5)
	extra[4] = 1 // modification time only
	binary.LittleEndian.PutUint32(extra[5:], uint32(t.Unix()))
	hdr.Extra = append(hdr.Extra, extra[:]...)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func (z *zipBuilder) Len() int {
	return z.n
}

func (z *zipBuilder) Commit() (string, error) {
	if z.done {
		return "", errors.New("archive already finished")
	}
	z.done = true

	tmp := z.f.Name()
	err := z.zw.Close()
	if err == nil {
		err = z.f.Sync()
	}
	if cerr := z.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", errors.Annotatef(ErrArchiveWrite, "%s: %v", tmp, err)
	}

	final := finalPath(z.dest, z.base, ".zip")
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", errors.Annotatef(ErrArchiveWrite, "%s: %v", final, err)
	}
	log.Verbose("%s: wrote %d files", final, z.n)
	return final, nil
}

func (z *zipBuilder) Abort() error {
	if z.done {
		return nil
	}
	z.done = true
	z.zw.Close()
	z.f.Close()
	return errors.Trace(os.Remove(z.f.Name()))
}
