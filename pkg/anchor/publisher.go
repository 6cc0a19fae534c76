// Package anchor submits batch Merkle roots for on-chain recording.
package anchor

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultAttemptTimeout = 15 * time.Second
	retryJitterPercent    = 25
)

// Publisher pushes closed batches to a chain client with bounded retries.
// By the time Publish is called, batch membership is frozen; the publisher
// only ever reads the immutable root and never touches batch locks.
type Publisher struct {
	log   zerolog.Logger
	chain ChainClient
	store BatchStore

	maxAttempts    uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	attemptTimeout time.Duration
}

// Option tunes publisher retry behavior.
type Option func(*Publisher)

func WithMaxAttempts(n uint64) Option {
	return func(p *Publisher) { p.maxAttempts = n }
}

func WithBackoff(initial, max time.Duration) Option {
	return func(p *Publisher) { p.initialBackoff = initial; p.maxBackoff = max }
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.attemptTimeout = d }
}

func NewPublisher(log zerolog.Logger, chain ChainClient, store BatchStore, opts ...Option) *Publisher {
	p := &Publisher{
		log:            log.With().Str("component", "anchor_publisher").Logger(),
		chain:          chain,
		store:          store,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		attemptTimeout: defaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	// maxAttempts-1 feeds WithMaxRetries; zero would wrap around to
	// unbounded retries.
	if p.maxAttempts == 0 {
		p.maxAttempts = 1
	}
	return p
}

// Publish submits a closed batch's Merkle root. Re-publishing an
// already-anchored batch is a no-op returning the existing receipt.
// Exhausting all attempts marks the batch failed and returns
// ErrAnchorSubmission.
func (p *Publisher) Publish(ctx context.Context, batchID string, root []byte) (Receipt, error) {
	existing, err := p.store.BatchReceipt(ctx, batchID)
	if err != nil {
		return Receipt{}, fmt.Errorf("lookup batch %s: %w", batchID, err)
	}
	if existing != nil {
		p.log.Debug().Str("batch_id", batchID).Msg("batch already anchored")
		return *existing, nil
	}

	backoff := retry.NewExponential(p.initialBackoff)
	backoff = retry.WithCappedDuration(p.maxBackoff, backoff)
	backoff = retry.WithJitterPercent(retryJitterPercent, backoff)
	backoff = retry.WithMaxRetries(p.maxAttempts-1, backoff)

	var txRef string
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
		defer cancel()

		ref, err := p.chain.Broadcast(attemptCtx, root)
		if err != nil {
			p.log.Warn().
				Str("batch_id", batchID).
				Int("attempt", attempt).
				Err(err).
				Msg("anchor broadcast failed")
			return retry.RetryableError(err)
		}
		txRef = ref
		return nil
	})
	if err != nil {
		if failErr := p.store.MarkFailed(ctx, batchID); failErr != nil {
			p.log.Error().Str("batch_id", batchID).Err(failErr).Msg("marking batch failed")
		}
		p.log.Error().
			Str("batch_id", batchID).
			Int("attempts", attempt).
			Err(err).
			Msg("anchor submission exhausted retries")
		return Receipt{}, fmt.Errorf("%w: batch %s: %v", ErrAnchorSubmission, batchID, err)
	}

	rec := Receipt{
		BatchID:              batchID,
		MerkleRoot:           hex.EncodeToString(root),
		TransactionReference: txRef,
		Simulated:            p.chain.Simulated(),
		AnchoredAt:           time.Now().UTC(),
	}
	if err := p.store.MarkAnchored(ctx, rec); err != nil {
		// The broadcast went out but the durable update did not. The batch
		// stays closed-unanchored, so startup recovery re-publishes it; the
		// simulator reproduces the same reference and a chain re-broadcast is
		// a duplicate data-only transaction, not corrupted state.
		return rec, fmt.Errorf("mark batch %s anchored: %w", batchID, err)
	}
	p.log.Info().
		Str("batch_id", batchID).
		Str("tx_ref", txRef).
		Bool("simulated", rec.Simulated).
		Msg("batch anchored")
	return rec, nil
}
