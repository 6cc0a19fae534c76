// Package verify checks proof artifacts offline.
//
// Verification always produces a definite Result; cryptographic and parsing
// failures become outcomes, never errors that abort the caller. The whole
// flow runs with zero network access given the artifact, the original
// content, and (optionally) a cached batch root.
package verify

import (
	"crypto/ed25519"
	"encoding/base64"
	"io"
	"strings"

	"github.com/RemiBp/ProofOrigin/pkg/keymgr"
	"github.com/RemiBp/ProofOrigin/pkg/merkle"
	"github.com/RemiBp/ProofOrigin/pkg/pophash"
	"github.com/RemiBp/ProofOrigin/pkg/proofdoc"
)

// Outcome is a terminal verification state.
type Outcome string

const (
	OutcomeValid         Outcome = "VALID"
	OutcomeInvalid       Outcome = "INVALID"
	OutcomeIndeterminate Outcome = "INDETERMINATE"
)

const (
	ReasonMalformedArtifact = "MALFORMED_ARTIFACT"
	ReasonHashMismatch      = "CONTENT_HASH_MISMATCH"
	ReasonBadPublicKey      = "INVALID_PUBLIC_KEY"
	ReasonBadSignature      = "INVALID_SIGNATURE"
	ReasonInclusionMismatch = "MERKLE_INCLUSION_MISMATCH"
	ReasonRootMismatch      = "BATCH_ROOT_MISMATCH"
	ReasonUnanchored        = "NOT_ANCHORED"
	ReasonAnchorUnavailable = "ANCHOR_DATA_UNAVAILABLE"
)

// Result reports the two independent verification axes. A proof can be VALID
// for authenticity while its anchoring is still INDETERMINATE; the axes are
// never collapsed into one verdict.
type Result struct {
	Authenticity Outcome        `json:"authenticity"`
	Anchoring    Outcome        `json:"anchoring"`
	Reason       string         `json:"reason,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Options carry the optional inputs beyond the artifact itself.
type Options struct {
	// Content is the original content, if available. When nil, the content
	// hash is taken at face value and only signature integrity is checked.
	Content io.Reader
	// TrustedRoot is a batch root obtained out of band (cached or read from
	// chain). When set, the artifact's claimed root must match it.
	TrustedRoot string
}

// Artifact verifies one serialized proof artifact.
func Artifact(data []byte, opts Options) Result {
	proof, err := proofdoc.Unmarshal(data)
	if err != nil {
		return Result{
			Authenticity: OutcomeInvalid,
			Anchoring:    OutcomeIndeterminate,
			Reason:       ReasonMalformedArtifact,
			Details:      map[string]any{"error": err.Error()},
		}
	}
	return Proof(proof, opts)
}

// Proof verifies an already-parsed proof document.
func Proof(proof proofdoc.Proof, opts Options) Result {
	digest, ok := pophash.DecodeDigest(proof.ContentHash)
	if !ok {
		return invalid(ReasonMalformedArtifact, map[string]any{"field": "hash.value"})
	}

	if opts.Content != nil {
		currentHash, err := pophash.SumStream(opts.Content)
		if err != nil {
			return Result{
				Authenticity: OutcomeIndeterminate,
				Anchoring:    OutcomeIndeterminate,
				Reason:       "CONTENT_READ_FAILED",
				Details:      map[string]any{"error": err.Error()},
			}
		}
		if currentHash != proof.ContentHash {
			return invalid(ReasonHashMismatch, map[string]any{
				"expected": proof.ContentHash,
				"computed": currentHash,
			})
		}
	}

	pub, err := keymgr.DecodePublicKey(proof.PublicKey)
	if err != nil {
		return invalid(ReasonBadPublicKey, map[string]any{"error": err.Error()})
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(proof.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return invalid(ReasonBadSignature, nil)
	}
	if !ed25519.Verify(pub, digest, sig) {
		return invalid(ReasonBadSignature, nil)
	}

	anchoring, reason, details := checkAnchoring(proof, digest, opts)
	return Result{
		Authenticity: OutcomeValid,
		Anchoring:    anchoring,
		Reason:       reason,
		Details:      details,
	}
}

func checkAnchoring(proof proofdoc.Proof, digest []byte, opts Options) (Outcome, string, map[string]any) {
	anchor := proof.Anchor
	if anchor == nil {
		return OutcomeIndeterminate, ReasonUnanchored, nil
	}
	root, ok := pophash.DecodeDigest(anchor.MerkleRoot)
	if !ok {
		return OutcomeInvalid, ReasonInclusionMismatch, map[string]any{"field": "anchor.merkle_root"}
	}
	if opts.TrustedRoot != "" && !strings.EqualFold(opts.TrustedRoot, anchor.MerkleRoot) {
		return OutcomeInvalid, ReasonRootMismatch, map[string]any{
			"claimed": anchor.MerkleRoot,
			"trusted": opts.TrustedRoot,
		}
	}
	if len(anchor.InclusionProof) == 0 && len(digest) > 0 {
		// Membership can still hold for a single-leaf batch; anything larger
		// without a path cannot be checked offline.
		if merkle.VerifyInclusion(digest, nil, root) {
			return anchoredOutcome(anchor)
		}
		return OutcomeIndeterminate, ReasonAnchorUnavailable, nil
	}
	if !merkle.VerifyInclusion(digest, anchor.InclusionProof, root) {
		return OutcomeInvalid, ReasonInclusionMismatch, nil
	}
	return anchoredOutcome(anchor)
}

func anchoredOutcome(anchor *proofdoc.Anchor) (Outcome, string, map[string]any) {
	details := map[string]any{
		"batch_id":              anchor.BatchID,
		"transaction_reference": anchor.TransactionReference,
		"simulated":             anchor.Simulated,
	}
	return OutcomeValid, "", details
}

func invalid(reason string, details map[string]any) Result {
	return Result{
		Authenticity: OutcomeInvalid,
		Anchoring:    OutcomeIndeterminate,
		Reason:       reason,
		Details:      details,
	}
}
