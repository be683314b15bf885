package directory

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// wireConsensus is the JSON-friendly encoding of a Consensus used for
// storage persistence, matching the GuardState encoding style used
// elsewhere in this core.
type wireConsensus struct {
	ValidAfter       time.Time        `json:"valid_after"`
	FreshUntil       time.Time        `json:"fresh_until"`
	ValidUntil       time.Time        `json:"valid_until"`
	BandwidthWeights map[string]int64 `json:"bandwidth_weights"`
	Relays           []wireRelay      `json:"relays"`
}

type wireRelay struct {
	Nickname     string          `json:"nickname"`
	Identity     string          `json:"identity"` // hex
	Address      string          `json:"address"`
	ORPort       uint16          `json:"or_port"`
	DirPort      uint16          `json:"dir_port"`
	Flags        RelayFlags      `json:"flags"`
	Bandwidth    int64           `json:"bandwidth"`
	Family       []string        `json:"family,omitempty"`
	NtorOnionKey string          `json:"ntor_onion_key,omitempty"` // hex
	HasNtorKey   bool            `json:"has_ntor_key"`
}

func encodeConsensus(c *Consensus) ([]byte, error) {
	wc := wireConsensus{
		ValidAfter:       c.ValidAfter,
		FreshUntil:       c.FreshUntil,
		ValidUntil:       c.ValidUntil,
		BandwidthWeights: c.BandwidthWeights,
		Relays:           make([]wireRelay, len(c.Relays)),
	}
	for i, r := range c.Relays {
		wc.Relays[i] = wireRelay{
			Nickname:     r.Nickname,
			Identity:     hex.EncodeToString(r.Identity[:]),
			Address:      r.Address,
			ORPort:       r.ORPort,
			DirPort:      r.DirPort,
			Flags:        r.Flags,
			Bandwidth:    r.Bandwidth,
			Family:       r.Family,
			NtorOnionKey: hex.EncodeToString(r.NtorOnionKey[:]),
			HasNtorKey:   r.HasNtorKey,
		}
	}
	return json.Marshal(wc)
}

func decodeConsensus(data []byte) (*Consensus, error) {
	var wc wireConsensus
	if err := json.Unmarshal(data, &wc); err != nil {
		return nil, fmt.Errorf("unmarshal cached consensus: %w", err)
	}

	c := &Consensus{
		ValidAfter:       wc.ValidAfter,
		FreshUntil:       wc.FreshUntil,
		ValidUntil:       wc.ValidUntil,
		BandwidthWeights: wc.BandwidthWeights,
		Relays:           make([]Relay, len(wc.Relays)),
	}
	for i, wr := range wc.Relays {
		r := Relay{
			Nickname:   wr.Nickname,
			Address:    wr.Address,
			ORPort:     wr.ORPort,
			DirPort:    wr.DirPort,
			Flags:      wr.Flags,
			Bandwidth:  wr.Bandwidth,
			Family:     wr.Family,
			HasNtorKey: wr.HasNtorKey,
		}
		if idBytes, err := hex.DecodeString(wr.Identity); err == nil && len(idBytes) == 20 {
			copy(r.Identity[:], idBytes)
		}
		if keyBytes, err := hex.DecodeString(wr.NtorOnionKey); err == nil && len(keyBytes) == 32 {
			copy(r.NtorOnionKey[:], keyBytes)
		}
		c.Relays[i] = r
	}
	return c, nil
}
