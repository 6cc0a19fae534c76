// Package store persists signing keys, proofs, and anchor batches.
//
// Batch state transitions (open -> closed, closed -> anchored/failed) are
// performed in single transactions with the batch row locked, so membership
// freeze and member updates are atomic relative to a crash.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RemiBp/ProofOrigin/pkg/anchor"
	"github.com/RemiBp/ProofOrigin/pkg/keymgr"
	"github.com/RemiBp/ProofOrigin/pkg/pophash"
	"github.com/RemiBp/ProofOrigin/pkg/proofdoc"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrBatchClosed = errors.New("batch is closed")
	ErrNoActiveKey = errors.New("no active signing key")
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate creates the schema on demand.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS signing_keys (
  key_id            TEXT PRIMARY KEY,
  owner_id          TEXT NOT NULL,
  public_key        BYTEA NOT NULL,
  encrypted_private BYTEA NOT NULL,
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
  revoked_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS signing_keys_owner_idx ON signing_keys(owner_id);

CREATE TABLE IF NOT EXISTS key_revocations (
  key_id      TEXT PRIMARY KEY REFERENCES signing_keys(key_id),
  owner_id    TEXT NOT NULL,
  replaced_by TEXT NOT NULL,
  revoked_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS anchor_batches (
  batch_id    TEXT PRIMARY KEY,
  status      TEXT NOT NULL DEFAULT 'open',
  merkle_root TEXT,
  tx_ref      TEXT,
  simulated   BOOLEAN NOT NULL DEFAULT false,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  closed_at   TIMESTAMPTZ,
  anchored_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS proofs (
  proof_id       TEXT PRIMARY KEY,
  owner_id       TEXT NOT NULL,
  key_id         TEXT NOT NULL REFERENCES signing_keys(key_id),
  content_hash   TEXT NOT NULL,
  signature      TEXT NOT NULL,
  public_key_pem TEXT NOT NULL,
  public_key_raw TEXT NOT NULL,
  created_at     TIMESTAMPTZ NOT NULL,
  metadata       JSONB NOT NULL DEFAULT '{}'::jsonb,
  anchor_status  TEXT NOT NULL DEFAULT 'unanchored',
  batch_id       TEXT REFERENCES anchor_batches(batch_id),
  leaf_index     INT,
  UNIQUE (batch_id, leaf_index)
);
CREATE INDEX IF NOT EXISTS proofs_owner_idx ON proofs(owner_id);
CREATE INDEX IF NOT EXISTS proofs_hash_idx ON proofs(content_hash);
CREATE INDEX IF NOT EXISTS proofs_batch_idx ON proofs(batch_id);

-- payload keeps the exact hashed bytes; jsonb would re-serialize them and
-- break entry_hash recomputation.
CREATE TABLE IF NOT EXISTS ledger_entries (
  seq        BIGSERIAL PRIMARY KEY,
  batch_id   TEXT NOT NULL REFERENCES anchor_batches(batch_id),
  prev_hash  TEXT NOT NULL,
  entry_hash TEXT NOT NULL,
  payload    BYTEA NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`)
	return err
}

// ---------------------------------------------------------------- keys

func (s *Store) CreateKey(ctx context.Context, ownerID string, pair keymgr.KeyPair) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO signing_keys(key_id,owner_id,public_key,encrypted_private,created_at)
VALUES($1,$2,$3,$4,$5)`,
		pair.KeyID, ownerID, []byte(pair.PublicKey), pair.EncryptedPrivate, pair.CreatedAt)
	return err
}

// ActiveKey returns the owner's current non-revoked signing key.
func (s *Store) ActiveKey(ctx context.Context, ownerID string) (keymgr.KeyPair, error) {
	var pair keymgr.KeyPair
	var pub []byte
	err := s.DB.QueryRow(ctx, `
SELECT key_id,public_key,encrypted_private,created_at
FROM signing_keys WHERE owner_id=$1 AND revoked_at IS NULL
ORDER BY created_at DESC LIMIT 1`, ownerID).
		Scan(&pair.KeyID, &pub, &pair.EncryptedPrivate, &pair.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return keymgr.KeyPair{}, ErrNoActiveKey
	}
	if err != nil {
		return keymgr.KeyPair{}, err
	}
	pair.PublicKey = pub
	return pair, nil
}

// RotateKey revokes the owner's current key and installs a new one. The
// revocation record and both key updates commit together; revoked keys stay
// in the table so past proofs remain attributable.
func (s *Store) RotateKey(ctx context.Context, ownerID string, newPair keymgr.KeyPair) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var oldKeyID string
	err = tx.QueryRow(ctx, `
SELECT key_id FROM signing_keys WHERE owner_id=$1 AND revoked_at IS NULL
ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, ownerID).Scan(&oldKeyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoActiveKey
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE signing_keys SET revoked_at=now() WHERE key_id=$1`, oldKeyID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO key_revocations(key_id,owner_id,replaced_by) VALUES($1,$2,$3)`,
		oldKeyID, ownerID, newPair.KeyID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO signing_keys(key_id,owner_id,public_key,encrypted_private,created_at)
VALUES($1,$2,$3,$4,$5)`,
		newPair.KeyID, ownerID, []byte(newPair.PublicKey), newPair.EncryptedPrivate, newPair.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---------------------------------------------------------------- proofs

// ProofRecord is the persisted view of a proof plus its anchor bookkeeping.
type ProofRecord struct {
	Proof        proofdoc.Proof
	OwnerID      string
	KeyID        string
	AnchorStatus proofdoc.AnchorStatus
	BatchID      *string
	LeafIndex    *int
}

func (s *Store) CreateProof(ctx context.Context, ownerID, keyID string, p proofdoc.Proof) error {
	metadata := p.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO proofs(proof_id,owner_id,key_id,content_hash,signature,public_key_pem,public_key_raw,created_at,metadata)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb)`,
		p.ProofID, ownerID, keyID, p.ContentHash, p.Signature,
		p.PublicKey.PEM, p.PublicKey.Raw, p.CreatedAt, string(metadata))
	return err
}

func (s *Store) GetProof(ctx context.Context, proofID string) (ProofRecord, error) {
	var rec ProofRecord
	var metadata []byte
	err := s.DB.QueryRow(ctx, `
SELECT proof_id,owner_id,key_id,content_hash,signature,public_key_pem,public_key_raw,created_at,metadata,anchor_status,batch_id,leaf_index
FROM proofs WHERE proof_id=$1`, proofID).
		Scan(&rec.Proof.ProofID, &rec.OwnerID, &rec.KeyID, &rec.Proof.ContentHash,
			&rec.Proof.Signature, &rec.Proof.PublicKey.PEM, &rec.Proof.PublicKey.Raw,
			&rec.Proof.CreatedAt, &metadata, &rec.AnchorStatus, &rec.BatchID, &rec.LeafIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProofRecord{}, ErrNotFound
	}
	if err != nil {
		return ProofRecord{}, err
	}
	rec.Proof.CreatedAt = rec.Proof.CreatedAt.UTC()
	rec.Proof.Metadata = metadata
	return rec, nil
}

// ---------------------------------------------------------------- batches

type BatchRecord struct {
	BatchID    string
	Status     string
	MerkleRoot *string
	TxRef      *string
	Simulated  bool
	CreatedAt  time.Time
	ClosedAt   *time.Time
	AnchoredAt *time.Time
}

type Member struct {
	ProofID     string
	ContentHash string
	LeafIndex   int
}

const (
	BatchOpen     = "open"
	BatchClosed   = "closed"
	BatchAnchored = "anchored"
	BatchFailed   = "failed"
)

func (s *Store) CreateBatch(ctx context.Context, batchID string) error {
	_, err := s.DB.Exec(ctx,
		`INSERT INTO anchor_batches(batch_id,status) VALUES($1,'open')`, batchID)
	return err
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (BatchRecord, error) {
	var b BatchRecord
	err := s.DB.QueryRow(ctx, `
SELECT batch_id,status,merkle_root,tx_ref,simulated,created_at,closed_at,anchored_at
FROM anchor_batches WHERE batch_id=$1`, batchID).
		Scan(&b.BatchID, &b.Status, &b.MerkleRoot, &b.TxRef, &b.Simulated,
			&b.CreatedAt, &b.ClosedAt, &b.AnchoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return BatchRecord{}, ErrNotFound
	}
	return b, err
}

// AddMember appends a proof to an open batch, allocating the next leaf index
// under the batch row lock so concurrent adds neither lose members nor
// collide on an index. Returns ErrBatchClosed once the batch is frozen.
func (s *Store) AddMember(ctx context.Context, batchID, proofID string) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM anchor_batches WHERE batch_id=$1 FOR UPDATE`, batchID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if status != BatchOpen {
		return 0, ErrBatchClosed
	}

	var leafIndex int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(leaf_index)+1,0) FROM proofs WHERE batch_id=$1`, batchID).
		Scan(&leafIndex); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
UPDATE proofs SET batch_id=$1, leaf_index=$2, anchor_status='pending'
WHERE proof_id=$3 AND batch_id IS NULL`, batchID, leafIndex, proofID)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, errors.New("proof missing or already assigned to a batch")
	}
	return leafIndex, tx.Commit(ctx)
}

// Members returns the batch membership in leaf order.
func (s *Store) Members(ctx context.Context, batchID string) ([]Member, error) {
	rows, err := s.DB.Query(ctx, `
SELECT proof_id,content_hash,leaf_index FROM proofs
WHERE batch_id=$1 ORDER BY leaf_index ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ProofID, &m.ContentHash, &m.LeafIndex); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CloseBatch freezes membership and records the root. The open->closed
// transition and the root are one atomic update; a second close is a no-op.
// Add and Close contend on the same batch row lock, so no member can slip in
// after root computation begins.
func (s *Store) CloseBatch(ctx context.Context, batchID, rootHex string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE anchor_batches SET status='closed', merkle_root=$2, closed_at=now()
WHERE batch_id=$1 AND status='open'`, batchID, rootHex)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already closed; verify the stored root matches rather than recompute.
		b, err := s.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status == BatchOpen {
			return errors.New("batch close raced and lost")
		}
		if b.MerkleRoot == nil || *b.MerkleRoot != rootHex {
			return errors.New("batch closed with a different root")
		}
	}
	return nil
}

// ListClosedUnanchored returns batches whose anchoring must be resumed after
// a restart: root computed, anchor never confirmed.
func (s *Store) ListClosedUnanchored(ctx context.Context) ([]BatchRecord, error) {
	return s.listBatches(ctx, `
SELECT batch_id,status,merkle_root,tx_ref,simulated,created_at,closed_at,anchored_at
FROM anchor_batches WHERE status='closed' ORDER BY closed_at ASC`)
}

// ListOpenBatches returns batches still accepting members, oldest first.
// After a restart these are orphans of the previous process.
func (s *Store) ListOpenBatches(ctx context.Context) ([]BatchRecord, error) {
	return s.listBatches(ctx, `
SELECT batch_id,status,merkle_root,tx_ref,simulated,created_at,closed_at,anchored_at
FROM anchor_batches WHERE status='open' ORDER BY created_at ASC`)
}

func (s *Store) ListAnchors(ctx context.Context) ([]BatchRecord, error) {
	return s.listBatches(ctx, `
SELECT batch_id,status,merkle_root,tx_ref,simulated,created_at,closed_at,anchored_at
FROM anchor_batches WHERE status IN ('anchored','failed') ORDER BY anchored_at DESC NULLS LAST`)
}

func (s *Store) listBatches(ctx context.Context, query string) ([]BatchRecord, error) {
	rows, err := s.DB.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchRecord
	for rows.Next() {
		var b BatchRecord
		if err := rows.Scan(&b.BatchID, &b.Status, &b.MerkleRoot, &b.TxRef, &b.Simulated,
			&b.CreatedAt, &b.ClosedAt, &b.AnchoredAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------- anchoring

// BatchReceipt implements anchor.BatchStore. Only anchored batches return a
// receipt; pending and failed ones return nil so publishing proceeds.
func (s *Store) BatchReceipt(ctx context.Context, batchID string) (*anchor.Receipt, error) {
	b, err := s.GetBatch(ctx, batchID)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if b.Status != BatchAnchored || b.TxRef == nil || b.MerkleRoot == nil || b.AnchoredAt == nil {
		return nil, nil
	}
	return &anchor.Receipt{
		BatchID:              b.BatchID,
		MerkleRoot:           *b.MerkleRoot,
		TransactionReference: *b.TxRef,
		Simulated:            b.Simulated,
		AnchoredAt:           *b.AnchoredAt,
	}, nil
}

// MarkAnchored records the receipt, flips every member proof to anchored,
// and appends the anchoring event to the transparency ledger, all in one
// transaction.
func (s *Store) MarkAnchored(ctx context.Context, rec anchor.Receipt) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE anchor_batches SET status='anchored', tx_ref=$2, simulated=$3, anchored_at=$4
WHERE batch_id=$1 AND status IN ('closed','failed')`,
		rec.BatchID, rec.TransactionReference, rec.Simulated, rec.AnchoredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE proofs SET anchor_status='anchored' WHERE batch_id=$1`, rec.BatchID); err != nil {
		return err
	}
	if err := appendLedgerEntry(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ------------------------------------------------------------------ ledger

// LedgerEntry is one link of the append-only anchoring ledger. The payload
// is the exact bytes that were hashed, so entry_hash = SHA-256(payload) and
// each payload embeds the previous entry's hash.
type LedgerEntry struct {
	Seq       int64
	BatchID   string
	PrevHash  string
	EntryHash string
	Payload   json.RawMessage
	CreatedAt time.Time
}

var ledgerGenesis = strings.Repeat("0", 64)

func appendLedgerEntry(ctx context.Context, tx pgx.Tx, rec anchor.Receipt) error {
	// Appends serialize on the table lock so the chain never forks.
	if _, err := tx.Exec(ctx,
		`LOCK TABLE ledger_entries IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return err
	}
	prev := ledgerGenesis
	err := tx.QueryRow(ctx,
		`SELECT entry_hash FROM ledger_entries ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	entryHash, encoded, err := pophash.SumObject(map[string]any{
		"prev_hash": prev,
		"receipt": map[string]any{
			"batch_id":              rec.BatchID,
			"merkle_root":           rec.MerkleRoot,
			"transaction_reference": rec.TransactionReference,
			"simulated":             rec.Simulated,
			"anchored_at":           rec.AnchoredAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO ledger_entries(batch_id,prev_hash,entry_hash,payload) VALUES($1,$2,$3,$4)`,
		rec.BatchID, prev, entryHash, encoded)
	return err
}

// LedgerEntries returns the full ledger in append order.
func (s *Store) LedgerEntries(ctx context.Context) ([]LedgerEntry, error) {
	rows, err := s.DB.Query(ctx, `
SELECT seq,batch_id,prev_hash,entry_hash,payload,created_at
FROM ledger_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.Seq, &e.BatchID, &e.PrevHash, &e.EntryHash,
			&e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkFailed implements anchor.BatchStore; member proofs move to failed but
// stay independently verifiable for authenticity.
func (s *Store) MarkFailed(ctx context.Context, batchID string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
UPDATE anchor_batches SET status='failed' WHERE batch_id=$1 AND status='closed'`, batchID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE proofs SET anchor_status='failed' WHERE batch_id=$1`, batchID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
