package proofdoc

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RemiBp/ProofOrigin/pkg/keymgr"
	"github.com/RemiBp/ProofOrigin/pkg/merkle"
)

func testMaster() []byte { return bytes.Repeat([]byte{0x07}, keymgr.MasterKeySize) }

func newProof(t *testing.T, content []byte) Proof {
	t.Helper()
	pair, err := keymgr.Generate("pw", testMaster())
	require.NoError(t, err)
	priv, err := keymgr.Decrypt(pair.EncryptedPrivate, "pw", testMaster())
	require.NoError(t, err)
	p, err := Create(bytes.NewReader(content), pair, priv, json.RawMessage(`{"title":"t"}`))
	require.NoError(t, err)
	return p
}

func TestCreateAssignsImmutableFields(t *testing.T) {
	p := newProof(t, []byte("hello world"))
	require.NotEmpty(t, p.ProofID)
	require.Len(t, p.ContentHash, 64)
	require.NotEmpty(t, p.Signature)
	require.Nil(t, p.Anchor)
	require.False(t, p.CreatedAt.After(time.Now().UTC()))
}

func TestCreateDistinctIDs(t *testing.T) {
	a := newProof(t, []byte("same"))
	b := newProof(t, []byte("same"))
	require.NotEqual(t, a.ProofID, b.ProofID)
	require.Equal(t, a.ContentHash, b.ContentHash)
}

func TestCreateRejectsRevokedKey(t *testing.T) {
	pair, err := keymgr.Generate("pw", testMaster())
	require.NoError(t, err)
	priv, err := keymgr.Decrypt(pair.EncryptedPrivate, "pw", testMaster())
	require.NoError(t, err)
	now := time.Now().UTC()
	pair.RevokedAt = &now

	_, err = Create(bytes.NewReader([]byte("x")), pair, priv, nil)
	require.ErrorIs(t, err, ErrKeyRevoked)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p := newProof(t, []byte("round trip"))
	p.Anchor = &Anchor{
		BatchID:              "bat_1",
		MerkleRoot:           "ab12",
		InclusionProof:       []merkle.PathStep{{SiblingHash: "00", Side: merkle.SideLeft}},
		TransactionReference: "sim-deadbeef",
		Simulated:            true,
	}

	data, err := Marshal(p)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, p.ProofID, got.ProofID)
	require.Equal(t, p.ContentHash, got.ContentHash)
	require.Equal(t, p.Signature, got.Signature)
	require.Equal(t, p.PublicKey, got.PublicKey)
	require.True(t, p.CreatedAt.Equal(got.CreatedAt))
	require.JSONEq(t, string(p.Metadata), string(got.Metadata))
	require.Equal(t, p.Anchor, got.Anchor)
}

func TestUnmarshalRejectsUnknownVersion(t *testing.T) {
	p := newProof(t, []byte("v"))
	data, err := Marshal(p)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["protocol_version"] = "POP-0.9"
	old, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = Unmarshal(old)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
	require.ErrorIs(t, err, ErrMalformedArtifact)
}

func TestUnmarshalAcceptsPriorVersionBarePEMKey(t *testing.T) {
	p := newProof(t, []byte("legacy"))
	data, err := Marshal(p)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["protocol_version"] = ProtocolV10
	doc["public_key"] = p.PublicKey.PEM
	legacy, err := json.Marshal(doc)
	require.NoError(t, err)

	got, err := Unmarshal(legacy)
	require.NoError(t, err)
	require.Equal(t, p.PublicKey.PEM, got.PublicKey.PEM)
	require.Empty(t, got.PublicKey.Raw)
}

func TestUnmarshalRejectsSchemaViolations(t *testing.T) {
	p := newProof(t, []byte("schema"))
	good, err := Marshal(p)
	require.NoError(t, err)

	mutate := func(f func(doc map[string]any)) []byte {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(good, &doc))
		f(doc)
		out, err := json.Marshal(doc)
		require.NoError(t, err)
		return out
	}

	cases := map[string][]byte{
		"not json":        []byte("{nope"),
		"missing id":      mutate(func(d map[string]any) { delete(d, "proof_id") }),
		"bad hash alg":    mutate(func(d map[string]any) { d["hash"].(map[string]any)["algorithm"] = "MD5" }),
		"bad hash value":  mutate(func(d map[string]any) { d["hash"].(map[string]any)["value"] = "zz" }),
		"bad signature":   mutate(func(d map[string]any) { d["signature"].(map[string]any)["value"] = "!!" }),
		"bad created_at":  mutate(func(d map[string]any) { d["created_at"] = "yesterday" }),
		"no public key":   mutate(func(d map[string]any) { delete(d, "public_key") }),
		"anchor no batch": mutate(func(d map[string]any) { d["anchor"] = map[string]any{"merkle_root": "ab"} }),
	}
	for name, data := range cases {
		_, err := Unmarshal(data)
		require.ErrorIs(t, err, ErrMalformedArtifact, "case %q", name)
	}
}
