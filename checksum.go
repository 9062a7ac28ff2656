package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm identifies the digest algorithm of a checksum.
type Algorithm string

const (
	AlgBLAKE3 Algorithm = "blake3"
	AlgSHA256 Algorithm = "sha256"
)

// Checksum is an expected artifact digest, written as "algorithm:hex".
// Upstreams publish sha256 sums; blake3 is what the mirror records itself.
type Checksum struct {
	Alg    Algorithm
	Digest []byte
}

// NewChecksum wraps a BLAKE3 hash as a Checksum.
func NewChecksum(h Hash) Checksum {
	return Checksum{Alg: AlgBLAKE3, Digest: h[:]}
}

// ParseChecksum parses a checksum string in the form "algorithm:hex".
// The algorithm is case-insensitive. A plain hex string is accepted and
// assumed to be sha256, which is what release pages usually publish.
func ParseChecksum(s string) (Checksum, error) {
	if s == "" {
		return Checksum{}, fmt.Errorf("empty checksum")
	}

	algoStr, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = algoStr
		algoStr = string(AlgSHA256)
	}

	alg := Algorithm(strings.ToLower(algoStr))
	switch alg {
	case AlgBLAKE3, AlgSHA256:
	default:
		return Checksum{}, fmt.Errorf("unsupported algorithm %q in checksum %q", algoStr, s)
	}

	digest, err := hex.DecodeString(strings.ToLower(hexStr))
	if err != nil {
		return Checksum{}, fmt.Errorf("invalid digest in checksum %q: %w", s, err)
	}
	if len(digest) != 32 {
		return Checksum{}, fmt.Errorf("invalid digest length in checksum %q: expected 32 bytes, got %d", s, len(digest))
	}

	return Checksum{Alg: alg, Digest: digest}, nil
}

// String returns the canonical form "algorithm:hex".
func (c Checksum) String() string {
	if c.Alg == "" {
		return ""
	}
	return string(c.Alg) + ":" + hex.EncodeToString(c.Digest)
}

// IsZero reports whether the checksum is unset.
func (c Checksum) IsZero() bool {
	return c.Alg == "" && len(c.Digest) == 0
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = Checksum{}
		return nil
	}
	parsed, err := ParseChecksum(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Checksum) newHash() hash.Hash {
	if c.Alg == AlgSHA256 {
		return sha256.New()
	}
	return blake3.New()
}

// Matches reports whether the content of r has this checksum.
func (c Checksum) Matches(r io.Reader) (bool, error) {
	h := c.newHash()
	if _, err := io.Copy(h, r); err != nil {
		return false, fmt.Errorf("hashing content: %w", err)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum) == hex.EncodeToString(c.Digest), nil
}

// MatchesFile reports whether the file at path has this checksum.
func (c Checksum) MatchesFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	return c.Matches(f)
}
