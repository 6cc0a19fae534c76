package pophash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
)

// Algorithm is the content hash algorithm recorded in proof artifacts.
const Algorithm = "SHA-256"

// Size is the digest width in bytes.
const Size = sha256.Size

// SumStream computes the hex digest of everything readable from r,
// in fixed-size chunks so large uploads never load fully into memory.
func SumStream(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumBytes computes the hex digest of b.
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SumObject hashes json.Marshal(v) bytes with SHA-256 hex. Go's encoder sorts
// map keys, which is what makes this canonical for ledger entry payloads.
func SumObject(v any) (hexHash string, encoded []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// DecodeDigest decodes a lowercase hex digest of exactly Size bytes.
func DecodeDigest(s string) ([]byte, bool) {
	if len(s) != Size*2 {
		return nil, false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return nil, false
		}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
