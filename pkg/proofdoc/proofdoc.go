// Package proofdoc creates proofs and codes the portable artifact format.
package proofdoc

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RemiBp/ProofOrigin/pkg/keymgr"
	"github.com/RemiBp/ProofOrigin/pkg/pophash"
)

var (
	ErrMalformedArtifact  = errors.New("malformed proof artifact")
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported protocol version", ErrMalformedArtifact)
	ErrKeyRevoked         = errors.New("signing key is revoked")
)

// Create computes the content hash over the exact bytes readable from content,
// signs it with the owner's private key, and returns an immutable Proof.
// Callers canonicalize content before hashing if they want to; this component
// hashes what it is given.
func Create(content io.Reader, owner keymgr.KeyPair, priv ed25519.PrivateKey, metadata json.RawMessage) (Proof, error) {
	if owner.Revoked() {
		return Proof{}, ErrKeyRevoked
	}
	hashHex, err := pophash.SumStream(content)
	if err != nil {
		return Proof{}, err
	}
	digest, ok := pophash.DecodeDigest(hashHex)
	if !ok {
		return Proof{}, fmt.Errorf("content hash encoding: %s", hashHex)
	}
	sig := ed25519.Sign(priv, digest)

	enc, err := keymgr.EncodePublicKey(owner.PublicKey)
	if err != nil {
		return Proof{}, err
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return Proof{
		ProofID:     uuid.NewString(),
		ContentHash: hashHex,
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PublicKey:   enc,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		Metadata:    metadata,
	}, nil
}

// Marshal emits the self-contained POP-1.1 artifact for p.
func Marshal(p Proof) ([]byte, error) {
	pk, err := json.Marshal(p.PublicKey)
	if err != nil {
		return nil, err
	}
	doc := artifactV11{
		ProtocolVersion: ProtocolCurrent,
		ProofID:         p.ProofID,
		Hash:            digestField{Algorithm: HashAlgorithm, Value: p.ContentHash},
		Signature:       digestField{Algorithm: SignatureAlgorithm, Value: p.Signature},
		PublicKey:       pk,
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339),
		Metadata:        p.Metadata,
		Anchor:          p.Anchor,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Unmarshal parses and validates an artifact. It accepts the current and the
// immediately prior protocol version and fails with ErrMalformedArtifact on
// anything else.
func Unmarshal(data []byte) (Proof, error) {
	var doc artifactV11
	if err := json.Unmarshal(data, &doc); err != nil {
		return Proof{}, fmt.Errorf("%w: invalid json", ErrMalformedArtifact)
	}

	version := strings.TrimSpace(doc.ProtocolVersion)
	switch version {
	case ProtocolV10, ProtocolV11:
	default:
		return Proof{}, ErrUnsupportedVersion
	}

	if strings.TrimSpace(doc.ProofID) == "" {
		return Proof{}, fmt.Errorf("%w: missing proof_id", ErrMalformedArtifact)
	}
	if doc.Hash.Algorithm != HashAlgorithm {
		return Proof{}, fmt.Errorf("%w: hash algorithm %q", ErrMalformedArtifact, doc.Hash.Algorithm)
	}
	if _, ok := pophash.DecodeDigest(doc.Hash.Value); !ok {
		return Proof{}, fmt.Errorf("%w: hash value", ErrMalformedArtifact)
	}
	if doc.Signature.Algorithm != SignatureAlgorithm {
		return Proof{}, fmt.Errorf("%w: signature algorithm %q", ErrMalformedArtifact, doc.Signature.Algorithm)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(doc.Signature.Value))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Proof{}, fmt.Errorf("%w: signature value", ErrMalformedArtifact)
	}
	createdAt, err := time.Parse(time.RFC3339, doc.CreatedAt)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: created_at", ErrMalformedArtifact)
	}

	enc, err := decodePublicKeyField(doc.PublicKey, version)
	if err != nil {
		return Proof{}, err
	}
	if _, err := keymgr.DecodePublicKey(enc); err != nil {
		return Proof{}, fmt.Errorf("%w: public key", ErrMalformedArtifact)
	}

	if doc.Anchor != nil {
		if strings.TrimSpace(doc.Anchor.BatchID) == "" ||
			strings.TrimSpace(doc.Anchor.MerkleRoot) == "" {
			return Proof{}, fmt.Errorf("%w: incomplete anchor block", ErrMalformedArtifact)
		}
	}

	metadata := doc.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return Proof{
		ProofID:     doc.ProofID,
		ContentHash: doc.Hash.Value,
		Signature:   doc.Signature.Value,
		PublicKey:   enc,
		CreatedAt:   createdAt.UTC(),
		Metadata:    metadata,
		Anchor:      doc.Anchor,
	}, nil
}

// decodePublicKeyField handles the POP-1.0 bare PEM string form next to the
// structured POP-1.1 object.
func decodePublicKeyField(raw json.RawMessage, version string) (keymgr.PublicKeyEncodings, error) {
	if len(raw) == 0 {
		return keymgr.PublicKeyEncodings{}, fmt.Errorf("%w: missing public_key", ErrMalformedArtifact)
	}
	var structured keymgr.PublicKeyEncodings
	if err := json.Unmarshal(raw, &structured); err == nil && (structured.PEM != "" || structured.Raw != "") {
		return structured, nil
	}
	if version == ProtocolV10 {
		var pemStr string
		if err := json.Unmarshal(raw, &pemStr); err == nil && strings.TrimSpace(pemStr) != "" {
			return keymgr.PublicKeyEncodings{PEM: pemStr}, nil
		}
	}
	return keymgr.PublicKeyEncodings{}, fmt.Errorf("%w: public_key encoding", ErrMalformedArtifact)
}
