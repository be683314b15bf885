package crypto

import (
	"crypto/sha1" // #nosec G505 - SHA1 running digest required by tor-spec.txt section 6.1
	"encoding"
	"fmt"
	"hash"
)

// RunningDigest is the per-hop SHA-1 state used to chain RelayCell integrity
// digests across an entire circuit lifetime (tor-spec.txt section 6.1). It
// is seeded once from a 20-byte digest seed derived by the ntor handshake
// and then threaded through every relay cell sent or received on that hop.
type RunningDigest struct {
	h hash.Hash
}

// NewRunningDigest seeds a running digest from the hop's digest seed.
func NewRunningDigest(seed [20]byte) *RunningDigest {
	h := sha1.New() // #nosec G401
	h.Write(seed[:])
	return &RunningDigest{h: h}
}

// clone snapshots the live hash state via encoding.BinaryMarshaler, as
// crypto/sha1's hash.Hash implementation supports. This lets a candidate
// payload be hashed speculatively and the result discarded without
// disturbing the live running state if it turns out not to match.
func (d *RunningDigest) clone() (hash.Hash, error) {
	marshaler, ok := d.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("digest: hash.Hash does not support binary marshaling")
	}
	state, err := marshaler.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("digest: marshal state: %w", err)
	}

	clone := sha1.New() // #nosec G401
	unmarshaler, ok := clone.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, fmt.Errorf("digest: hash.Hash does not support binary unmarshaling")
	}
	if err := unmarshaler.UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("digest: unmarshal state: %w", err)
	}
	return clone, nil
}

// Expected computes the would-be 4-byte digest for payload (a 509-byte
// RelayCell with its digest field already zeroed) without mutating the
// live running state. Call Commit with the same payload afterward to
// advance the live state once the candidate hop has been confirmed.
func (d *RunningDigest) Expected(payloadWithZeroDigest []byte) ([4]byte, error) {
	clone, err := d.clone()
	if err != nil {
		return [4]byte{}, err
	}
	clone.Write(payloadWithZeroDigest)
	sum := clone.Sum(nil)

	var out [4]byte
	copy(out[:], sum[:4])
	return out, nil
}

// Commit advances the live running digest state with payload (the same
// 509-byte buffer, digest field zeroed, used to compute Expected). Call
// this only once a hop has been confirmed as the cell's origin so that
// subsequent cells chain from the committed state.
func (d *RunningDigest) Commit(payloadWithZeroDigest []byte) {
	d.h.Write(payloadWithZeroDigest)
}
