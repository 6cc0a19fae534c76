package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/RemiBp/ProofOrigin/pkg/anchor"
	"github.com/RemiBp/ProofOrigin/pkg/keymgr"
	"github.com/RemiBp/ProofOrigin/pkg/pophash"
	"github.com/RemiBp/ProofOrigin/pkg/proofdoc"
)

func testStore(t *testing.T) *Store {
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
	st := New(pool)
	require.NoError(t, st.Migrate(ctx))
	return st
}

func seedKey(t *testing.T, st *Store, ownerID string) (keymgr.KeyPair, []byte) {
	t.Helper()
	master := bytes.Repeat([]byte{7}, keymgr.MasterKeySize)
	pair, err := keymgr.Generate("pass-"+ownerID, master)
	require.NoError(t, err)
	require.NoError(t, st.CreateKey(context.Background(), ownerID, pair))
	return pair, master
}

func seedProof(t *testing.T, st *Store, ownerID string, pair keymgr.KeyPair, master []byte, content string) proofdoc.Proof {
	t.Helper()
	priv, err := keymgr.Decrypt(pair.EncryptedPrivate, "pass-"+ownerID, master)
	require.NoError(t, err)
	proof, err := proofdoc.Create(bytes.NewReader([]byte(content)), pair, priv, nil)
	require.NoError(t, err)
	require.NoError(t, st.CreateProof(context.Background(), ownerID, pair.KeyID, proof))
	return proof
}

func TestKeyLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	owner := "own_" + uuid.NewString()

	_, err := st.ActiveKey(ctx, owner)
	require.ErrorIs(t, err, ErrNoActiveKey)

	pair, master := seedKey(t, st, owner)
	got, err := st.ActiveKey(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, pair.KeyID, got.KeyID)
	require.Equal(t, []byte(pair.PublicKey), []byte(got.PublicKey))

	next, err := keymgr.Generate("pass-"+owner, master)
	require.NoError(t, err)
	require.NoError(t, st.RotateKey(ctx, owner, next))

	got, err = st.ActiveKey(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, next.KeyID, got.KeyID)

	require.ErrorIs(t, st.RotateKey(ctx, "own_"+uuid.NewString(), next), ErrNoActiveKey)
}

func TestProofRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	owner := "own_" + uuid.NewString()
	pair, master := seedKey(t, st, owner)
	proof := seedProof(t, st, owner, pair, master, "store round trip")

	rec, err := st.GetProof(ctx, proof.ProofID)
	require.NoError(t, err)
	require.Equal(t, proof.ProofID, rec.Proof.ProofID)
	require.Equal(t, proof.ContentHash, rec.Proof.ContentHash)
	require.Equal(t, proof.Signature, rec.Proof.Signature)
	require.Equal(t, owner, rec.OwnerID)
	require.Equal(t, pair.KeyID, rec.KeyID)
	require.Equal(t, proofdoc.AnchorUnanchored, rec.AnchorStatus)
	require.Nil(t, rec.BatchID)

	_, err = st.GetProof(ctx, "prf_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBatchMembershipAndClose(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	owner := "own_" + uuid.NewString()
	pair, master := seedKey(t, st, owner)

	batchID := "bat_" + uuid.NewString()
	require.NoError(t, st.CreateBatch(ctx, batchID))

	var proofs []proofdoc.Proof
	for i := 0; i < 3; i++ {
		p := seedProof(t, st, owner, pair, master, fmt.Sprintf("member %d", i))
		idx, err := st.AddMember(ctx, batchID, p.ProofID)
		require.NoError(t, err)
		require.Equal(t, i, idx)
		proofs = append(proofs, p)
	}

	members, err := st.Members(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	for i, m := range members {
		require.Equal(t, i, m.LeafIndex)
		require.Equal(t, proofs[i].ProofID, m.ProofID)
		require.Equal(t, proofs[i].ContentHash, m.ContentHash)
	}

	root := hex.EncodeToString(bytes.Repeat([]byte{0xAB}, sha256.Size))
	require.NoError(t, st.CloseBatch(ctx, batchID, root))

	late := seedProof(t, st, owner, pair, master, "too late")
	_, err = st.AddMember(ctx, batchID, late.ProofID)
	require.ErrorIs(t, err, ErrBatchClosed)

	// Closing again with the same root is a no-op; a different root is not.
	require.NoError(t, st.CloseBatch(ctx, batchID, root))
	require.Error(t, st.CloseBatch(ctx, batchID, hex.EncodeToString(bytes.Repeat([]byte{0xCD}, sha256.Size))))

	pending, err := st.ListClosedUnanchored(ctx)
	require.NoError(t, err)
	require.True(t, containsBatch(pending, batchID))

	rcpt, err := st.BatchReceipt(ctx, batchID)
	require.NoError(t, err)
	require.Nil(t, rcpt)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.MarkAnchored(ctx, anchor.Receipt{
		BatchID:              batchID,
		MerkleRoot:           root,
		TransactionReference: "sim-deadbeef",
		Simulated:            true,
		AnchoredAt:           now,
	}))

	rcpt, err = st.BatchReceipt(ctx, batchID)
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	require.Equal(t, "sim-deadbeef", rcpt.TransactionReference)
	require.True(t, rcpt.Simulated)

	for _, p := range proofs {
		rec, err := st.GetProof(ctx, p.ProofID)
		require.NoError(t, err)
		require.Equal(t, proofdoc.AnchorAnchored, rec.AnchorStatus)
	}
}

func TestMarkFailed(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	owner := "own_" + uuid.NewString()
	pair, master := seedKey(t, st, owner)

	batchID := "bat_" + uuid.NewString()
	require.NoError(t, st.CreateBatch(ctx, batchID))
	p := seedProof(t, st, owner, pair, master, "doomed")
	_, err := st.AddMember(ctx, batchID, p.ProofID)
	require.NoError(t, err)
	root := hex.EncodeToString(bytes.Repeat([]byte{0x11}, sha256.Size))
	require.NoError(t, st.CloseBatch(ctx, batchID, root))

	require.NoError(t, st.MarkFailed(ctx, batchID))

	b, err := st.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchFailed, b.Status)

	rec, err := st.GetProof(ctx, p.ProofID)
	require.NoError(t, err)
	require.Equal(t, proofdoc.AnchorFailed, rec.AnchorStatus)

	// A failed batch can still be anchored by a later retry.
	require.NoError(t, st.MarkAnchored(ctx, anchor.Receipt{
		BatchID:              batchID,
		MerkleRoot:           root,
		TransactionReference: "sim-retried",
		Simulated:            true,
		AnchoredAt:           time.Now().UTC(),
	}))
}

// TestConcurrentAddMember exercises the batch row lock: concurrent adds must
// neither lose a member nor hand out a duplicate leaf index.
func TestConcurrentAddMember(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	owner := "own_" + uuid.NewString()
	pair, master := seedKey(t, st, owner)

	batchID := "bat_" + uuid.NewString()
	require.NoError(t, st.CreateBatch(ctx, batchID))

	const n = 16
	proofIDs := make([]string, n)
	for i := range proofIDs {
		proofIDs[i] = seedProof(t, st, owner, pair, master, fmt.Sprintf("concurrent %d", i)).ProofID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.AddMember(ctx, batchID, proofIDs[i])
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "add %d", i)
	}

	members, err := st.Members(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, members, n)
	seen := map[int]bool{}
	for _, m := range members {
		require.False(t, seen[m.LeafIndex])
		seen[m.LeafIndex] = true
		require.Less(t, m.LeafIndex, n)
	}
}

// Every anchoring appends a ledger entry whose hash covers the previous
// entry's hash, and whose stored payload reproduces the hash byte for byte.
func TestLedgerChainsAnchorEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	owner := "own_" + uuid.NewString()
	pair, master := seedKey(t, st, owner)

	anchorBatch := func(content, txRef string) string {
		batchID := "bat_" + uuid.NewString()
		require.NoError(t, st.CreateBatch(ctx, batchID))
		p := seedProof(t, st, owner, pair, master, content)
		_, err := st.AddMember(ctx, batchID, p.ProofID)
		require.NoError(t, err)
		root := hex.EncodeToString(bytes.Repeat([]byte{0x42}, sha256.Size))
		require.NoError(t, st.CloseBatch(ctx, batchID, root))
		require.NoError(t, st.MarkAnchored(ctx, anchor.Receipt{
			BatchID:              batchID,
			MerkleRoot:           root,
			TransactionReference: txRef,
			Simulated:            true,
			AnchoredAt:           time.Now().UTC().Truncate(time.Second),
		}))
		return batchID
	}

	first := anchorBatch("ledger one", "sim-ledger-1")
	second := anchorBatch("ledger two", "sim-ledger-2")

	entries, err := st.LedgerEntries(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)

	seen := map[string]bool{}
	for i, e := range entries {
		require.Equal(t, pophash.SumBytes(e.Payload), e.EntryHash,
			"entry %d hash must be recomputable from its payload", e.Seq)
		if i > 0 {
			require.Equal(t, entries[i-1].EntryHash, e.PrevHash,
				"entry %d must chain to its predecessor", e.Seq)
		}
		seen[e.BatchID] = true

		var decoded struct {
			PrevHash string `json:"prev_hash"`
			Receipt  struct {
				BatchID string `json:"batch_id"`
			} `json:"receipt"`
		}
		require.NoError(t, json.Unmarshal(e.Payload, &decoded))
		require.Equal(t, e.PrevHash, decoded.PrevHash)
		require.Equal(t, e.BatchID, decoded.Receipt.BatchID)
	}
	require.True(t, seen[first])
	require.True(t, seen[second])
}

func containsBatch(batches []BatchRecord, batchID string) bool {
	for _, b := range batches {
		if b.BatchID == batchID {
			return true
		}
	}
	return false
}
