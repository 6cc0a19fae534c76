package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// SimulatedTxPrefix tags every simulated transaction reference so downstream
// verification can never conflate one with a real on-chain hash.
const SimulatedTxPrefix = "sim-"

// Simulator is the fallback chain client used when no chain connectivity is
// configured. References are derived deterministically from the root and a
// local signing key, so re-publishing the same batch reproduces the same ref.
type Simulator struct {
	key []byte
}

func NewSimulator(localKey []byte) *Simulator {
	return &Simulator{key: append([]byte(nil), localKey...)}
}

func (s *Simulator) Broadcast(_ context.Context, root []byte) (string, error) {
	h := sha256.New()
	h.Write(root)
	h.Write([]byte(":"))
	h.Write(s.key)
	return SimulatedTxPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Simulator) Confirm(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (s *Simulator) Simulated() bool { return true }
