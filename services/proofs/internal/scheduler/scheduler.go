// Package scheduler drives periodic batch closure and anchoring.
package scheduler

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/RemiBp/ProofOrigin/pkg/anchor"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/batcher"
)

type Scheduler struct {
	log       zerolog.Logger
	batcher   *batcher.Batcher
	publisher *anchor.Publisher
	interval  time.Duration
}

func New(log zerolog.Logger, b *batcher.Batcher, p *anchor.Publisher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		log:       log.With().Str("component", "anchor_scheduler").Logger(),
		batcher:   b,
		publisher: p,
		interval:  interval,
	}
}

// Run blocks until ctx is cancelled. The first pass closes batches a crashed
// process left open and resumes ones that were closed but never anchored;
// each tick closes the current batch and publishes everything closed and
// unanchored. The batcher never holds its lock across Publish, which may
// block on network I/O.
func (s *Scheduler) Run(ctx context.Context) error {
	closed, err := s.batcher.RecoverOpen(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Msg("recovering open batches")
	}
	if len(closed) > 0 {
		s.log.Info().Strs("batch_ids", closed).Msg("closed batches orphaned by previous run")
	}
	if err := s.publishClosed(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Msg("startup anchor recovery")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.CloseAndPublish(ctx)
		}
	}
}

// CloseAndPublish is the close-and-publish trigger, also exposed for the
// admin force-close endpoint.
func (s *Scheduler) CloseAndPublish(ctx context.Context) {
	batchID, _, err := s.batcher.ForceClose(ctx)
	switch {
	case errors.Is(err, batcher.ErrEmptyBatch):
		// nothing accumulated this window
	case err != nil:
		s.log.Error().Err(err).Msg("closing current batch")
	default:
		s.log.Info().Str("batch_id", batchID).Msg("batch closed")
	}

	if err := s.publishClosed(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Msg("publishing closed batches")
	}
}

func (s *Scheduler) publishClosed(ctx context.Context) error {
	pending, err := s.batcher.Recover(ctx)
	if err != nil {
		return err
	}
	for _, b := range pending {
		if b.MerkleRoot == nil {
			s.log.Error().Str("batch_id", b.BatchID).Msg("closed batch missing root")
			continue
		}
		root, err := hex.DecodeString(*b.MerkleRoot)
		if err != nil {
			s.log.Error().Str("batch_id", b.BatchID).Err(err).Msg("decoding stored root")
			continue
		}
		if _, err := s.publisher.Publish(ctx, b.BatchID, root); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// Publish already marked the batch failed and logged; keep going
			// so one bad batch does not starve the rest.
		}
	}
	return nil
}
