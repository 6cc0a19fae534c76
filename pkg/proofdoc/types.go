package proofdoc

import (
	"encoding/json"
	"time"

	"github.com/RemiBp/ProofOrigin/pkg/keymgr"
	"github.com/RemiBp/ProofOrigin/pkg/merkle"
)

// Protocol versions accepted by Unmarshal. POP-1.0 artifacts predate anchor
// blocks and may carry the public key as a bare PEM string; POP-1.1 is what
// Marshal emits. Anything else is rejected, never guessed at.
const (
	ProtocolV10 = "POP-1.0"
	ProtocolV11 = "POP-1.1"

	ProtocolCurrent = ProtocolV11
)

const (
	HashAlgorithm      = "SHA-256"
	SignatureAlgorithm = "Ed25519"
)

// AnchorStatus tracks a proof's progress through batch anchoring.
type AnchorStatus string

const (
	AnchorUnanchored AnchorStatus = "unanchored"
	AnchorPending    AnchorStatus = "pending"
	AnchorAnchored   AnchorStatus = "anchored"
	AnchorFailed     AnchorStatus = "failed"
)

// Proof is one certified content hash. ContentHash and Signature are
// immutable once created; the anchor block is set exactly once.
type Proof struct {
	ProofID     string
	ContentHash string
	Signature   string
	PublicKey   keymgr.PublicKeyEncodings
	CreatedAt   time.Time
	Metadata    json.RawMessage
	Anchor      *Anchor
}

// Anchor is the batch membership evidence embedded in an anchored artifact.
type Anchor struct {
	BatchID              string            `json:"batch_id"`
	MerkleRoot           string            `json:"merkle_root"`
	InclusionProof       []merkle.PathStep `json:"inclusion_proof"`
	TransactionReference string            `json:"transaction_reference"`
	Simulated            bool              `json:"simulated"`
}

// artifactV11 is the wire form of a proof document.
type artifactV11 struct {
	ProtocolVersion string          `json:"protocol_version"`
	ProofID         string          `json:"proof_id"`
	Hash            digestField     `json:"hash"`
	Signature       digestField     `json:"signature"`
	PublicKey       json.RawMessage `json:"public_key"`
	CreatedAt       string          `json:"created_at"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Anchor          *Anchor         `json:"anchor,omitempty"`
}

type digestField struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}
