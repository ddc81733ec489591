// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to files, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded files and to recover corrupt files.
//
// The data is processed in segments of NDataShards*HashRate bytes, so
// that memory use is bounded regardless of the file size. Each segment is
// split into NDataShards shards of HashRate bytes (the last segment is
// zero-padded) from which NParityShards parity shards are computed. The
// .rs file is a gob stream of an rsFileHeader followed by one
// rsFileSegment per segment, holding the hashes of all of the segment's
// shards and its parity shards. Up to NParityShards corrupt shards per
// segment can be repaired.
package rdso

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/klauspost/reedsolomon"
	"github.com/mmp/quickbackup/checksum"
	u "github.com/mmp/quickbackup/util"
)

const (
	// ErrFileCorrupt is returned by Check when the data or parity
	// doesn't match the stored hashes.
	ErrFileCorrupt = errors.ConstError("file corrupt")
	// ErrUnrecoverable is returned by Restore when a segment has more
	// corrupt shards than there are parity shards.
	ErrUnrecoverable = errors.ConstError("too many corrupt shards to recover")
)

// Defaults used for archive sidecars: 3 parity shards for each 17 data
// shards, hashed at 1MB granularity.
const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
	DefaultHashRate     = 1024 * 1024
)

// RecoveredSuffix is appended to the names of the files written by
// RestoreFile.
const RecoveredSuffix = ".recovered"

// SidecarName returns the name of the .rs file for the given file.
func SidecarName(fn string) string {
	return fn + ".rs"
}

type hash = checksum.Hash

type rsFileHeader struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

type rsFileSegment struct {
	// First the data shard hashes, then the parity shard hashes.
	Hashes []hash
	Parity [][]byte
}

func (h rsFileHeader) segmentSize() int64 {
	return int64(h.NDataShards) * int64(h.HashRate)
}

func (h rsFileHeader) nSegments() int64 {
	ss := h.segmentSize()
	return (h.FileSize + ss - 1) / ss
}

///////////////////////////////////////////////////////////////////////////
// Encoding

// Encode reads size bytes from r and writes the Reed-Solomon encoding
// of them to w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards, hashRate int) error {
	if nDataShards <= 0 || nParityShards <= 0 || hashRate <= 0 {
		return errors.NotValidf("%d data shards, %d parity shards, hash rate %d",
			nDataShards, nParityShards, hashRate)
	}
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return errors.Trace(err)
	}

	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	genc := gob.NewEncoder(w)
	if err := genc.Encode(h); err != nil {
		return errors.Trace(err)
	}

	buf := make([]byte, h.segmentSize())
	var parity [][]byte
	for i := 0; i < nParityShards; i++ {
		parity = append(parity, make([]byte, hashRate))
	}

	for remaining := size; remaining > 0; {
		n := min(remaining, h.segmentSize())
		clear(buf[n:])
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return errors.Trace(err)
		}
		remaining -= n

		shards := append(shard(buf, hashRate), parity...)
		if err := enc.Encode(shards); err != nil {
			return errors.Trace(err)
		}
		if err := genc.Encode(rsFileSegment{hashShards(shards), parity}); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func shard(b []byte, size int) (s [][]byte) {
	for len(b) > size {
		s = append(s, b[:size])
		b = b[size:]
	}
	return append(s, b)
}

func hashShards(shards [][]byte) (hashes []hash) {
	for _, s := range shards {
		hashes = append(hashes, checksum.HashBytes(s))
	}
	return
}

///////////////////////////////////////////////////////////////////////////
// Checking and restoring

// forEachSegment reads the header and segments of rs along with the
// corresponding bytes of data, calling f for each segment with all of its
// shards, data shards first.
func forEachSegment(data, rs io.Reader, log *u.Logger,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	h, err := readHeader(dec, log)
	if err != nil {
		return err
	}
	return segments(dec, h, data, func(hashes []hash, shards [][]byte) error {
		return f(h, hashes, shards)
	})
}

func readHeader(dec *gob.Decoder, log *u.Logger) (rsFileHeader, error) {
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return h, errors.Annotatef(err, "reading header")
	}
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 || h.FileSize < 0 {
		return h, errors.NotValidf("header %+v", h)
	}
	log.Debug("%d byte file, %d data shards, %d parity shards, hash rate %d",
		h.FileSize, h.NDataShards, h.NParityShards, h.HashRate)
	return h, nil
}

func segments(dec *gob.Decoder, h rsFileHeader, data io.Reader,
	f func(hashes []hash, shards [][]byte) error) error {
	buf := make([]byte, h.segmentSize())
	for i := int64(0); i < h.nSegments(); i++ {
		var seg rsFileSegment
		if err := dec.Decode(&seg); err != nil {
			return errors.Annotatef(err, "segment %d", i)
		}
		if len(seg.Hashes) != h.NDataShards+h.NParityShards || len(seg.Parity) != h.NParityShards {
			return errors.NotValidf("segment %d", i)
		}

		// The data may be shorter than it should be; whatever is
		// missing will fail its hash.
		clear(buf)
		n := min(h.FileSize-i*h.segmentSize(), h.segmentSize())
		if _, err := io.ReadFull(data, buf[:n]); err != nil &&
			err != io.EOF && err != io.ErrUnexpectedEOF {
			return errors.Trace(err)
		}

		shards := append(shard(buf, h.HashRate), seg.Parity...)
		if err := f(seg.Hashes, shards); err != nil {
			return err
		}
	}
	return nil
}

// badShards returns the indices of the shards that don't match their
// hashes, logging each one.
func badShards(h rsFileHeader, segment int64, hashes []hash, shards [][]byte,
	report func(string, ...interface{})) []int {
	var bad []int
	for s, sh := range shards {
		if len(sh) != h.HashRate || checksum.HashBytes(sh) != hashes[s] {
			if s < h.NDataShards {
				report("segment %d: data shard %d hash mismatch", segment, s)
			} else {
				report("segment %d: parity shard %d hash mismatch", segment, s-h.NDataShards)
			}
			bad = append(bad, s)
		}
	}
	return bad
}

// Check verifies data against the hashes stored in rs, returning
// ErrFileCorrupt if there are any mismatches.
func Check(data, rs io.Reader, log *u.Logger) error {
	nBad := 0
	var segment int64
	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		nBad += len(badShards(h, segment, hashes, shards, log.Error))
		segment++
		return nil
	})
	if err != nil {
		return err
	}
	if nBad > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore writes the first size bytes of the corrected data to dataOut
// and the corrected Reed-Solomon encoding to rsOut.
func Restore(data, rs io.Reader, size int64, dataOut, rsOut io.Writer, log *u.Logger) error {
	dec := gob.NewDecoder(rs)
	h, err := readHeader(dec, log)
	if err != nil {
		return err
	}
	enc, err := reedsolomon.New(h.NDataShards, h.NParityShards)
	if err != nil {
		return errors.Trace(err)
	}
	genc := gob.NewEncoder(rsOut)
	if err := genc.Encode(h); err != nil {
		return errors.Trace(err)
	}

	w := &limitedWriter{dataOut, size}
	var segment int64
	return segments(dec, h, data, func(hashes []hash, shards [][]byte) error {
		bad := badShards(h, segment, hashes, shards, log.Warning)
		if len(bad) > h.NParityShards {
			return errors.Annotatef(ErrUnrecoverable, "segment %d: %d corrupt shards", segment, len(bad))
		}
		if len(bad) > 0 {
			for _, s := range bad {
				shards[s] = nil
			}
			if err := enc.Reconstruct(shards); err != nil {
				return errors.Annotatef(err, "segment %d", segment)
			}
			if len(badShards(h, segment, hashes, shards, log.Error)) > 0 {
				return errors.Annotatef(ErrUnrecoverable, "segment %d: reconstruction failed", segment)
			}
			log.Verbose("segment %d: repaired %d shards", segment, len(bad))
		}
		segment++

		for _, s := range shards[:h.NDataShards] {
			if _, err := w.Write(s); err != nil {
				return errors.Trace(err)
			}
		}
		return errors.Trace(genc.Encode(rsFileSegment{hashes, shards[h.NDataShards:]}))
	})
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the Reed-Solomon encoding of the file fn to rsfn.
// The encoding is written to a temporary file that's renamed to rsfn
// when complete.
func EncodeFile(fn, rsfn string, nDataShards, nParityShards, hashRate int) error {
	f, err := os.Open(fn)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return errors.Trace(err)
	}

	out, err := os.CreateTemp(filepath.Dir(rsfn), "."+filepath.Base(rsfn)+".tmp-*")
	if err != nil {
		return errors.Trace(err)
	}
	err = Encode(f, fi.Size(), out, nDataShards, nParityShards, hashRate)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(out.Name(), rsfn)
	}
	if err != nil {
		os.Remove(out.Name())
		return errors.Annotatef(err, "%s", rsfn)
	}
	return nil
}

// CheckFile verifies the file fn against its encoding in rsfn.
func CheckFile(fn, rsfn string, log *u.Logger) error {
	f, rs, err := openPair(fn, rsfn)
	if err != nil {
		return err
	}
	defer f.Close()
	defer rs.Close()
	return Check(f, rs, log)
}

// RestoreFile repairs the file fn using its encoding in rsfn, writing
// the results to fn+RecoveredSuffix and rsfn+RecoveredSuffix.
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	f, rs, err := openPair(fn, rsfn)
	if err != nil {
		return err
	}
	defer f.Close()
	defer rs.Close()

	// Peek at the header for the original file size.
	var h rsFileHeader
	if err := gob.NewDecoder(rs).Decode(&h); err != nil {
		return errors.Annotatef(err, "%s", rsfn)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return errors.Trace(err)
	}

	dataOut, err := os.Create(fn + RecoveredSuffix)
	if err != nil {
		return errors.Trace(err)
	}
	rsOut, err := os.Create(rsfn + RecoveredSuffix)
	if err != nil {
		dataOut.Close()
		return errors.Trace(err)
	}

	err = Restore(f, rs, h.FileSize, dataOut, rsOut, log)
	for _, out := range []*os.File{dataOut, rsOut} {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		os.Remove(dataOut.Name())
		os.Remove(rsOut.Name())
		return errors.Annotatef(err, "%s", fn)
	}
	return nil
}

func openPair(fn, rsfn string) (*os.File, *os.File, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	rs, err := os.Open(rsfn)
	if err != nil {
		f.Close()
		return nil, nil, errors.Trace(err)
	}
	return f, rs, nil
}
