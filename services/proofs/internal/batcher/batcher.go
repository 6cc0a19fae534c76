// Package batcher owns the currently open anchor batch.
//
// The open batch is the only structure with concurrent-writer contention, so
// it lives behind one explicitly owned, lock-guarded handle: callers assign
// proofs through the Batcher instead of holding their own belief about which
// batch is open. Real mutual exclusion between Add and Close is the batch
// row lock in the store; the local mutex only guards the current-batch
// pointer and roll-over bookkeeping.
package batcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/RemiBp/ProofOrigin/pkg/merkle"
	"github.com/RemiBp/ProofOrigin/pkg/pophash"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/store"
)

// ErrBatchClosed mirrors the store sentinel for callers of Add.
var ErrBatchClosed = store.ErrBatchClosed

// ErrEmptyBatch is returned when closing a batch with no members.
var ErrEmptyBatch = errors.New("batch has no members")

type Batcher struct {
	st      *store.Store
	maxSize int

	mu        sync.Mutex
	currentID string
	count     int
}

func New(st *store.Store, maxSize int) *Batcher {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Batcher{st: st, maxSize: maxSize}
}

// Open starts a new batch accepting members and makes it current.
func (b *Batcher) Open(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked(ctx)
}

func (b *Batcher) openLocked(ctx context.Context) (string, error) {
	batchID := "bat_" + uuid.NewString()
	if err := b.st.CreateBatch(ctx, batchID); err != nil {
		return "", err
	}
	b.currentID = batchID
	b.count = 0
	return batchID, nil
}

// Assign places a proof into the currently open batch, first-fit, rolling to
// a fresh batch when the size threshold is reached. The full batch is closed
// here; publishing it is the scheduler's job.
func (b *Batcher) Assign(ctx context.Context, proofID string) (batchID string, leafIndex int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentID == "" {
		if _, err := b.openLocked(ctx); err != nil {
			return "", 0, err
		}
	}
	idx, err := b.st.AddMember(ctx, b.currentID, proofID)
	if errors.Is(err, store.ErrBatchClosed) {
		// someone force-closed the current batch; roll and retry once
		if _, err := b.openLocked(ctx); err != nil {
			return "", 0, err
		}
		idx, err = b.st.AddMember(ctx, b.currentID, proofID)
	}
	if err != nil {
		return "", 0, err
	}
	assigned := b.currentID
	b.count = idx + 1

	if b.count >= b.maxSize {
		if _, err := b.closeLocked(ctx, assigned); err != nil {
			return "", 0, fmt.Errorf("close full batch %s: %w", assigned, err)
		}
		if _, err := b.openLocked(ctx); err != nil {
			return "", 0, err
		}
	}
	return assigned, idx, nil
}

// Add appends to a specific open batch. Fails with ErrBatchClosed once the
// batch is frozen.
func (b *Batcher) Add(ctx context.Context, batchID, proofID string) (int, error) {
	return b.st.AddMember(ctx, batchID, proofID)
}

// Close freezes the batch and computes its Merkle root over member content
// hashes in leaf order. Closing an already-closed batch returns the stored
// root without recomputation side effects.
func (b *Batcher) Close(ctx context.Context, batchID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	root, err := b.closeLocked(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.currentID == batchID {
		b.currentID = ""
		b.count = 0
	}
	return root, nil
}

func (b *Batcher) closeLocked(ctx context.Context, batchID string) ([]byte, error) {
	existing, err := b.st.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if existing.Status != store.BatchOpen {
		if existing.MerkleRoot == nil {
			return nil, fmt.Errorf("batch %s closed without a root", batchID)
		}
		root, err := hex.DecodeString(*existing.MerkleRoot)
		if err != nil {
			return nil, err
		}
		return root, nil
	}

	members, err := b.st.Members(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrEmptyBatch
	}
	leaves := make([][]byte, len(members))
	for i, m := range members {
		digest, ok := pophash.DecodeDigest(m.ContentHash)
		if !ok {
			return nil, fmt.Errorf("member %s has invalid content hash", m.ProofID)
		}
		leaves[i] = digest
	}
	root, err := merkle.Root(leaves)
	if err != nil {
		return nil, err
	}
	if err := b.st.CloseBatch(ctx, batchID, hex.EncodeToString(root)); err != nil {
		return nil, err
	}
	return root, nil
}

// ForceClose closes the current open batch, if it has members, and returns
// its id and root. An empty or absent current batch returns ErrEmptyBatch.
func (b *Batcher) ForceClose(ctx context.Context) (string, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentID == "" {
		return "", nil, ErrEmptyBatch
	}
	batchID := b.currentID
	root, err := b.closeLocked(ctx, batchID)
	if err != nil {
		return "", nil, err
	}
	b.currentID = ""
	b.count = 0
	return batchID, root, nil
}

// InclusionProof rebuilds the sibling path for one leaf of a closed batch
// and cross-checks it against the stored root.
func (b *Batcher) InclusionProof(ctx context.Context, batchID string, leafIndex int) ([]merkle.PathStep, string, error) {
	batch, err := b.st.GetBatch(ctx, batchID)
	if err != nil {
		return nil, "", err
	}
	if batch.MerkleRoot == nil {
		return nil, "", errors.New("batch has no root yet")
	}
	members, err := b.st.Members(ctx, batchID)
	if err != nil {
		return nil, "", err
	}
	leaves := make([][]byte, len(members))
	for i, m := range members {
		digest, ok := pophash.DecodeDigest(m.ContentHash)
		if !ok {
			return nil, "", fmt.Errorf("member %s has invalid content hash", m.ProofID)
		}
		leaves[i] = digest
	}
	path, err := merkle.Prove(leaves, leafIndex)
	if err != nil {
		return nil, "", err
	}
	if leafIndex < len(leaves) {
		root, err := hex.DecodeString(*batch.MerkleRoot)
		if err != nil {
			return nil, "", err
		}
		if !merkle.VerifyInclusion(leaves[leafIndex], path, root) {
			return nil, "", errors.New("membership drifted from stored root")
		}
	}
	return path, *batch.MerkleRoot, nil
}

// Recover lists closed-but-unanchored batches so publishing resumes after a
// restart without reopening membership or recomputing a different root.
func (b *Batcher) Recover(ctx context.Context) ([]store.BatchRecord, error) {
	return b.st.ListClosedUnanchored(ctx)
}

// RecoverOpen handles batches a previous process left open: those with
// members are closed so their proofs do not sit pending forever, and the
// oldest empty one is adopted as the current batch. Runs once at startup,
// before this process opens batches of its own.
func (b *Batcher) RecoverOpen(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	open, err := b.st.ListOpenBatches(ctx)
	if err != nil {
		return nil, err
	}
	var closed []string
	for _, rec := range open {
		_, err := b.closeLocked(ctx, rec.BatchID)
		if errors.Is(err, ErrEmptyBatch) {
			if b.currentID == "" {
				b.currentID = rec.BatchID
				b.count = 0
			}
			continue
		}
		if err != nil {
			return closed, fmt.Errorf("close orphaned batch %s: %w", rec.BatchID, err)
		}
		closed = append(closed, rec.BatchID)
	}
	return closed, nil
}
