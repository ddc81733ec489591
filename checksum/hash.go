// checksum/hash.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package checksum

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/juju/errors"
	"golang.org/x/crypto/sha3"
)

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values used to identify file
// contents.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// ParseHash decodes a hexidecimal-encoded hash as returned by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Trace(err)
	}
	if len(b) != HashSize {
		return h, errors.NotValidf("hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// String returns the given Hash as a hexidecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value (no hash computed).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Hasher accumulates the SHAKE256 hash of everything written to it.
type Hasher struct {
	shake sha3.ShakeHash
	n     int64
}

func NewHasher() *Hasher {
	return &Hasher{shake: sha3.NewShake256()}
}

func (h *Hasher) Write(b []byte) (int, error) {
	h.n += int64(len(b))
	return h.shake.Write(b)
}

// Sum returns the hash of the bytes written so far and how many there
// were. The Hasher may continue to be written to afterward.
func (h *Hasher) Sum() (Hash, int64) {
	var sum Hash
	_, _ = h.shake.Clone().Read(sum[:])
	return sum, h.n
}

// HashReader streams r through the hash; only a small buffer's worth of
// data is ever held in memory.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, 0, err
	}
	sum, n := h.Sum()
	return sum, n, nil
}

// HashFile returns the hash and size of the file at path. If wrap is
// non-nil, the file's reader is passed through it first (for rate
// limiting or progress reporting). Any failure to open or read the file is
// reported as an error satisfying errors.Is(err, ErrFileRead).
func HashFile(path string, wrap func(io.Reader) io.Reader) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, 0, errors.Annotatef(ErrFileRead, "%s: %v", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if wrap != nil {
		r = wrap(r)
	}
	h, n, err := HashReader(r)
	if err != nil {
		return Hash{}, 0, errors.Annotatef(ErrFileRead, "%s: %v", path, err)
	}
	return h, n, nil
}
