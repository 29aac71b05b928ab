package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const GenesisHashSeed = "StabilityPool:genesis:v1"

// GenesisHash is the chain tip before the first event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash computes state_hash[N] = SHA-256(prev_hash || sequence LE || state_digest).
func ChainHash(prev [32]byte, sequence int64, stateDigest []byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	h.Write(seqBuf[:])

	h.Write(stateDigest)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// StateHasher keeps the tip of the state hash chain.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// ComputeHash extends the chain by one event and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	h.prevHash = ChainHash(h.prevHash, sequence, stateDigest)
	return h.prevHash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash realigns the chain tip after a snapshot restore.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// ChainLink is the part of a persisted event the chain check needs.
type ChainLink struct {
	Sequence    int64
	StateDigest []byte
	PrevHash    [32]byte
	StateHash   [32]byte
}

// VerifyChain recomputes every link from the stored digests and reports the
// first sequence whose hashes do not line up.
func VerifyChain(start [32]byte, links []ChainLink) error {
	prev := start
	for _, l := range links {
		if l.PrevHash != prev {
			return fmt.Errorf("hash chain broken at seq %d: prev_hash %x, want %x", l.Sequence, l.PrevHash, prev)
		}
		if got := ChainHash(prev, l.Sequence, l.StateDigest); got != l.StateHash {
			return fmt.Errorf("hash chain broken at seq %d: state_hash %x, recomputed %x", l.Sequence, l.StateHash, got)
		}
		prev = l.StateHash
	}
	return nil
}
