package manifest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signature is a detached signature record over a manifest and its entry
// source. Only SHA-256 digests are supported; the digest is computed over the
// canonical manifest JSON with the signature field removed, followed by the
// entry source bytes.
type Signature struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"` // hex-encoded digest
	Signer    string `json:"signer,omitempty"`
}

// AlgorithmSHA256 is the only digest algorithm the host accepts.
const AlgorithmSHA256 = "sha256"

// ComputeDigest produces the hex digest a valid Signature.Value must carry
// for the given manifest and entry source. Tooling that signs bundles uses
// the same function.
func ComputeDigest(m *Manifest, entrySource []byte) (string, error) {
	stripped := *m
	stripped.Signature = nil

	canonical, err := json.Marshal(&stripped)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}

	h := sha256.New()
	h.Write(canonical)
	h.Write(entrySource)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the digest and compares it to the signature value in
// constant time. Any mismatch is a hard rejection.
func (s *Signature) Verify(m *Manifest, entrySource []byte) error {
	if s.Algorithm != AlgorithmSHA256 {
		return fmt.Errorf("unsupported signature algorithm %q", s.Algorithm)
	}
	want, err := ComputeDigest(m, entrySource)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(s.Value)) != 1 {
		return fmt.Errorf("signature digest mismatch for %s", m.Identity())
	}
	return nil
}
