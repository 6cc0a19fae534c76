package anchor

import (
	"context"
	"errors"
	"time"
)

// ErrAnchorSubmission is returned once every broadcast attempt for a batch
// has been exhausted. The batch is marked failed, never left pending.
var ErrAnchorSubmission = errors.New("anchor submission failed")

// Receipt records one completed anchor for a batch.
type Receipt struct {
	BatchID              string    `json:"batch_id"`
	MerkleRoot           string    `json:"merkle_root"`
	TransactionReference string    `json:"transaction_reference"`
	Simulated            bool      `json:"simulated"`
	AnchoredAt           time.Time `json:"anchored_at"`
}

// ChainClient is the pluggable blockchain dependency. The publisher's logic
// is identical whether the backend is a real chain or the local simulator.
type ChainClient interface {
	// Broadcast submits the Merkle root for recording and returns a
	// transaction reference once the submission is accepted. Confirmation is
	// asynchronous and not implied.
	Broadcast(ctx context.Context, root []byte) (string, error)
	// Confirm reports whether the referenced transaction has been confirmed.
	Confirm(ctx context.Context, txRef string) (bool, error)
	// Simulated reports whether this backend fabricates local references.
	Simulated() bool
}

// BatchStore is the slice of the storage collaborator the publisher needs.
// MarkAnchored updates the batch and all member proofs in one transaction.
type BatchStore interface {
	BatchReceipt(ctx context.Context, batchID string) (*Receipt, error)
	MarkAnchored(ctx context.Context, rec Receipt) error
	MarkFailed(ctx context.Context, batchID string) error
}
