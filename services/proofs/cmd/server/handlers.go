package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/RemiBp/ProofOrigin/pkg/anchor"
	"github.com/RemiBp/ProofOrigin/pkg/httpx"
	"github.com/RemiBp/ProofOrigin/pkg/keymgr"
	"github.com/RemiBp/ProofOrigin/pkg/proofdoc"
	"github.com/RemiBp/ProofOrigin/pkg/verify"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/batcher"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/config"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/scheduler"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/store"
)

// anchorBlock is cached per proof once its batch is anchored; anchored
// batches never change, so entries are valid forever.
type anchorBlock = proofdoc.Anchor

type server struct {
	log         zerolog.Logger
	cfg         config.Config
	st          *store.Store
	batches     *batcher.Batcher
	sched       *scheduler.Scheduler
	chain       anchor.ChainClient
	anchorCache *lru.Cache[string, anchorBlock]
}

func (s *server) createProof(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID     string          `json:"owner_id"`
		KeyPassword string          `json:"key_password"`
		ContentB64  string          `json:"content_b64"`
		Metadata    json.RawMessage `json:"metadata"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.OwnerID == "" || req.KeyPassword == "" {
		httpx.WriteError(w, 400, "MISSING_FIELD", "owner_id and key_password are required", nil)
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentB64)
	if err != nil || len(content) == 0 {
		httpx.WriteError(w, 400, "BAD_CONTENT", "content_b64 must be non-empty base64", nil)
		return
	}

	key, err := s.st.ActiveKey(r.Context(), req.OwnerID)
	if errors.Is(err, store.ErrNoActiveKey) {
		// First proof for this owner provisions their signing key.
		key, err = keymgr.Generate(req.KeyPassword, s.cfg.MasterKey)
		if err != nil {
			httpx.WriteError(w, 500, "KEY_ERROR", err.Error(), nil)
			return
		}
		if err := s.st.CreateKey(r.Context(), req.OwnerID, key); err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
	} else if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}

	priv, err := keymgr.Decrypt(key.EncryptedPrivate, req.KeyPassword, s.cfg.MasterKey)
	if errors.Is(err, keymgr.ErrAuthentication) {
		httpx.WriteError(w, 401, "KEY_AUTH", "key password rejected", nil)
		return
	} else if err != nil {
		httpx.WriteError(w, 500, "KEY_ERROR", err.Error(), nil)
		return
	}

	proof, err := proofdoc.Create(bytes.NewReader(content), key, priv, req.Metadata)
	if errors.Is(err, proofdoc.ErrKeyRevoked) {
		httpx.WriteError(w, 409, "KEY_REVOKED", "active key is revoked, rotate first", nil)
		return
	} else if err != nil {
		httpx.WriteError(w, 500, "PROOF_ERROR", err.Error(), nil)
		return
	}
	if err := s.st.CreateProof(r.Context(), req.OwnerID, key.KeyID, proof); err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}

	status := proofdoc.AnchorUnanchored
	var batchID string
	var leafIndex int
	batchID, leafIndex, err = s.batches.Assign(r.Context(), proof.ProofID)
	if err != nil {
		// The proof exists and is signed; batching retries on the next one.
		s.log.Warn().Err(err).Str("proof_id", proof.ProofID).Msg("batch assignment failed")
	} else {
		status = proofdoc.AnchorPending
	}

	artifact, err := proofdoc.Marshal(proof)
	if err != nil {
		httpx.WriteError(w, 500, "PROOF_ERROR", err.Error(), nil)
		return
	}
	resp := map[string]any{
		"request_id":    httpx.NewRequestID(),
		"proof_id":      proof.ProofID,
		"owner_id":      req.OwnerID,
		"key_id":        key.KeyID,
		"content_hash":  proof.ContentHash,
		"created_at":    proof.CreatedAt,
		"anchor_status": status,
		"artifact":      json.RawMessage(artifact),
	}
	if status == proofdoc.AnchorPending {
		resp["batch_id"] = batchID
		resp["leaf_index"] = leafIndex
	}
	httpx.WriteJSON(w, 201, resp)
}

func (s *server) getProof(w http.ResponseWriter, r *http.Request) {
	rec, err := s.st.GetProof(r.Context(), chi.URLParam(r, "proof_id"))
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, 404, "NOT_FOUND", "unknown proof", nil)
		return
	} else if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	resp := map[string]any{
		"request_id":    httpx.NewRequestID(),
		"proof_id":      rec.Proof.ProofID,
		"owner_id":      rec.OwnerID,
		"key_id":        rec.KeyID,
		"content_hash":  rec.Proof.ContentHash,
		"created_at":    rec.Proof.CreatedAt,
		"anchor_status": rec.AnchorStatus,
	}
	if rec.BatchID != nil {
		resp["batch_id"] = *rec.BatchID
		resp["leaf_index"] = *rec.LeafIndex
	}
	httpx.WriteJSON(w, 200, resp)
}

// getArtifact returns the portable artifact document itself, with the anchor
// block attached once the proof's batch has been anchored.
func (s *server) getArtifact(w http.ResponseWriter, r *http.Request) {
	proofID := chi.URLParam(r, "proof_id")
	rec, err := s.st.GetProof(r.Context(), proofID)
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, 404, "NOT_FOUND", "unknown proof", nil)
		return
	} else if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}

	proof := rec.Proof
	if rec.AnchorStatus == proofdoc.AnchorAnchored && rec.BatchID != nil && rec.LeafIndex != nil {
		blk, err := s.anchorFor(r, proofID, *rec.BatchID, *rec.LeafIndex)
		if err != nil {
			httpx.WriteError(w, 500, "ANCHOR_ERROR", err.Error(), nil)
			return
		}
		proof.Anchor = &blk
	}

	data, err := proofdoc.Marshal(proof)
	if err != nil {
		httpx.WriteError(w, 500, "PROOF_ERROR", err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	_, _ = w.Write(data)
}

func (s *server) anchorFor(r *http.Request, proofID, batchID string, leafIndex int) (anchorBlock, error) {
	if blk, ok := s.anchorCache.Get(proofID); ok {
		return blk, nil
	}
	batch, err := s.st.GetBatch(r.Context(), batchID)
	if err != nil {
		return anchorBlock{}, err
	}
	path, root, err := s.batches.InclusionProof(r.Context(), batchID, leafIndex)
	if err != nil {
		return anchorBlock{}, err
	}
	blk := anchorBlock{
		BatchID:        batchID,
		MerkleRoot:     root,
		InclusionProof: path,
		Simulated:      batch.Simulated,
	}
	if batch.TxRef != nil {
		blk.TransactionReference = *batch.TxRef
	}
	s.anchorCache.Add(proofID, blk)
	return blk, nil
}

func (s *server) verifyArtifact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Artifact    json.RawMessage `json:"artifact"`
		ContentB64  string          `json:"content_b64"`
		TrustedRoot string          `json:"trusted_root"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	opts := verify.Options{TrustedRoot: req.TrustedRoot}
	if req.ContentB64 != "" {
		content, err := base64.StdEncoding.DecodeString(req.ContentB64)
		if err != nil {
			httpx.WriteError(w, 400, "BAD_CONTENT", "content_b64 must be base64", nil)
			return
		}
		opts.Content = bytes.NewReader(content)
	}
	res := verify.Artifact(req.Artifact, opts)
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"result":     res,
	})
}

func (s *server) rotateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID     string `json:"owner_id"`
		KeyPassword string `json:"key_password"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.OwnerID == "" || req.KeyPassword == "" {
		httpx.WriteError(w, 400, "MISSING_FIELD", "owner_id and key_password are required", nil)
		return
	}
	pair, err := keymgr.Generate(req.KeyPassword, s.cfg.MasterKey)
	if err != nil {
		httpx.WriteError(w, 500, "KEY_ERROR", err.Error(), nil)
		return
	}
	if err := s.st.RotateKey(r.Context(), req.OwnerID, pair); errors.Is(err, store.ErrNoActiveKey) {
		httpx.WriteError(w, 404, "NO_ACTIVE_KEY", "owner has no key to rotate", nil)
		return
	} else if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	enc, err := keymgr.EncodePublicKey(pair.PublicKey)
	if err != nil {
		httpx.WriteError(w, 500, "KEY_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"owner_id":   req.OwnerID,
		"key_id":     pair.KeyID,
		"public_key": enc,
		"created_at": pair.CreatedAt,
	})
}

// forceClose seals the open batch and anchors every closed batch right away
// instead of waiting for the next scheduler tick.
func (s *server) forceClose(w http.ResponseWriter, r *http.Request) {
	s.sched.CloseAndPublish(r.Context())
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"flushed":    true,
	})
}

// getAnchor reports one batch's anchoring state, including a live chain
// confirmation check when the batch has a transaction reference.
func (s *server) getAnchor(w http.ResponseWriter, r *http.Request) {
	b, err := s.st.GetBatch(r.Context(), chi.URLParam(r, "batch_id"))
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, 404, "NOT_FOUND", "unknown batch", nil)
		return
	} else if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	resp := map[string]any{
		"request_id": httpx.NewRequestID(),
		"batch_id":   b.BatchID,
		"status":     b.Status,
		"simulated":  b.Simulated,
	}
	if b.MerkleRoot != nil {
		resp["merkle_root"] = *b.MerkleRoot
	}
	if b.TxRef != nil {
		resp["transaction_reference"] = *b.TxRef
		confirmed, err := s.chain.Confirm(r.Context(), *b.TxRef)
		if err != nil {
			s.log.Warn().Str("batch_id", b.BatchID).Err(err).Msg("chain confirmation check failed")
		} else {
			resp["confirmed"] = confirmed
		}
	}
	if b.AnchoredAt != nil {
		resp["anchored_at"] = *b.AnchoredAt
	}
	httpx.WriteJSON(w, 200, resp)
}

// listLedger exposes the append-only anchoring ledger. Each entry's payload
// is the exact hashed bytes, so auditors can recompute the chain offline.
func (s *server) listLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.st.LedgerEntries(r.Context())
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"seq":        e.Seq,
			"batch_id":   e.BatchID,
			"prev_hash":  e.PrevHash,
			"entry_hash": e.EntryHash,
			"payload":    e.Payload,
			"created_at": e.CreatedAt,
		})
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"entries":    out,
	})
}

func (s *server) listAnchors(w http.ResponseWriter, r *http.Request) {
	batches, err := s.st.ListAnchors(r.Context())
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	anchors := make([]map[string]any, 0, len(batches))
	for _, b := range batches {
		entry := map[string]any{
			"batch_id":  b.BatchID,
			"status":    b.Status,
			"simulated": b.Simulated,
		}
		if b.MerkleRoot != nil {
			entry["merkle_root"] = *b.MerkleRoot
		}
		if b.TxRef != nil {
			entry["transaction_reference"] = *b.TxRef
		}
		if b.AnchoredAt != nil {
			entry["anchored_at"] = *b.AnchoredAt
		}
		anchors = append(anchors, entry)
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"anchors":    anchors,
	})
}
