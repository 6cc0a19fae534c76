package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/RemiBp/ProofOrigin/pkg/anchor"
	"github.com/RemiBp/ProofOrigin/pkg/keymgr"
	"github.com/RemiBp/ProofOrigin/pkg/proofdoc"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/batcher"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	if os.Getenv("PROOFORIGIN_INTEGRATION") != "1" {
		t.Skip("set PROOFORIGIN_INTEGRATION=1 to run live integration")
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost/prooforigin_test"
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	st := store.New(pool)
	require.NoError(t, st.Migrate(ctx))
	return st
}

func seedProofs(t *testing.T, st *store.Store, b *batcher.Batcher, n int) []string {
	t.Helper()
	ctx := context.Background()
	owner := "own_" + uuid.NewString()
	master := bytes.Repeat([]byte{9}, keymgr.MasterKeySize)
	pair, err := keymgr.Generate("sched-pass", master)
	require.NoError(t, err)
	require.NoError(t, st.CreateKey(ctx, owner, pair))
	priv, err := keymgr.Decrypt(pair.EncryptedPrivate, "sched-pass", master)
	require.NoError(t, err)

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		p, err := proofdoc.Create(bytes.NewReader([]byte(fmt.Sprintf("tick %d %s", i, owner))), pair, priv, nil)
		require.NoError(t, err)
		require.NoError(t, st.CreateProof(ctx, owner, pair.KeyID, p))
		_, _, err = b.Assign(ctx, p.ProofID)
		require.NoError(t, err)
		ids[i] = p.ProofID
	}
	return ids
}

// End to end against the simulated chain: close the window, anchor the
// batch, and flip every member proof.
func TestCloseAndPublishAnchors(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	b := batcher.New(st, 100)
	pub := anchor.NewPublisher(zerolog.Nop(), anchor.NewSimulator([]byte("sched-test")), st)
	s := New(zerolog.Nop(), b, pub, 0)

	ids := seedProofs(t, st, b, 4)
	s.CloseAndPublish(ctx)

	var batchID string
	for _, id := range ids {
		rec, err := st.GetProof(ctx, id)
		require.NoError(t, err)
		require.Equal(t, proofdoc.AnchorAnchored, rec.AnchorStatus)
		require.NotNil(t, rec.BatchID)
		batchID = *rec.BatchID
	}

	batch, err := st.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, store.BatchAnchored, batch.Status)
	require.True(t, batch.Simulated)
	require.NotNil(t, batch.TxRef)
	require.True(t, strings.HasPrefix(*batch.TxRef, anchor.SimulatedTxPrefix))

	// A second pass finds nothing to close or publish.
	s.CloseAndPublish(ctx)
	after, err := st.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, *batch.TxRef, *after.TxRef)
}

// Batches closed before a crash are anchored by the startup recovery pass.
func TestRecoveryPublishesClosedBatches(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	b := batcher.New(st, 100)

	seedProofs(t, st, b, 2)
	closedID, _, err := b.ForceClose(ctx)
	require.NoError(t, err)

	// Fresh batcher and scheduler, as after a restart.
	b2 := batcher.New(st, 100)
	pub := anchor.NewPublisher(zerolog.Nop(), anchor.NewSimulator([]byte("sched-test")), st)
	s := New(zerolog.Nop(), b2, pub, 0)
	s.CloseAndPublish(ctx)

	batch, err := st.GetBatch(ctx, closedID)
	require.NoError(t, err)
	require.Equal(t, store.BatchAnchored, batch.Status)
}
