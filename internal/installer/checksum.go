package installer

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/benmeehan/display-ota/internal/errs"
)

// Algorithms maps checksum prefixes to hash constructors.
var Algorithms = map[string]func() (hash.Hash, error){
	"sha256": func() (hash.Hash, error) { return sha256.New(), nil },
	"blake2b-256": func() (hash.Hash, error) {
		return blake2b.New256(nil)
	},
}

// Verifier hashes an artifact as it streams past and compares the digest.
type Verifier struct {
	Algorithm string
	want      []byte
	h         hash.Hash
}

// NewVerifier parses "<algo>:<hex>" or bare hex (sha256). An empty checksum
// returns a nil verifier.
func NewVerifier(checksum string) (*Verifier, error) {
	checksum = strings.TrimSpace(checksum)
	if checksum == "" {
		return nil, nil
	}

	algo, digest := "sha256", checksum
	if i := strings.IndexByte(checksum, ':'); i >= 0 {
		algo, digest = strings.ToLower(checksum[:i]), checksum[i+1:]
	}
	newHash, ok := Algorithms[algo]
	if !ok {
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algo)
	}
	want, err := hex.DecodeString(digest)
	if err != nil {
		return nil, fmt.Errorf("invalid %s checksum: %w", algo, err)
	}
	h, err := newHash()
	if err != nil {
		return nil, err
	}
	if len(want) != h.Size() {
		return nil, fmt.Errorf("%s checksum must be %d bytes, got %d", algo, h.Size(), len(want))
	}
	return &Verifier{Algorithm: algo, want: want, h: h}, nil
}

func (v *Verifier) Write(p []byte) (int, error) {
	return v.h.Write(p)
}

// Sum returns the hex digest of everything written so far.
func (v *Verifier) Sum() string {
	return hex.EncodeToString(v.h.Sum(nil))
}

// Verify fails with Corruption when the digest does not match.
func (v *Verifier) Verify(offset int64) error {
	if subtle.ConstantTimeCompare(v.h.Sum(nil), v.want) != 1 {
		return errs.Corruption(offset, "%s mismatch: got %s, want %s", v.Algorithm, v.Sum(), hex.EncodeToString(v.want))
	}
	return nil
}
