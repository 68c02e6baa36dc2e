package tarutil

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Digester wraps a hash.Hash and produces v1.Hash values, the canonical
// "sha256:<hex>" identifier used throughout the build pipeline.
type Digester struct {
	h       hash.Hash
	written int64
}

// NewDigester returns a SHA-256 digester.
func NewDigester() *Digester {
	return &Digester{h: sha256.New()}
}

// Write implements io.Writer so a Digester can be used as one leg of an
// io.MultiWriter alongside the actual byte sink.
func (d *Digester) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.written += int64(n)
	return n, err
}

// Sum returns the accumulated digest.
func (d *Digester) Sum() v1.Hash {
	return v1.Hash{Algorithm: "sha256", Hex: hex.EncodeToString(d.h.Sum(nil))}
}

// SHA256 streams r fully through a digester and returns the resulting hash
// and the number of bytes read.
func SHA256(r io.Reader) (v1.Hash, int64, error) {
	d := NewDigester()
	n, err := io.Copy(d, r)
	if err != nil {
		return v1.Hash{}, 0, err
	}
	return d.Sum(), n, nil
}
