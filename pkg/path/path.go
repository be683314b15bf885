// Package path selects guard, middle and exit relays for a circuit from a
// verified consensus, weighted by bandwidth and directory authority
// bandwidth-weight coefficients, with family and subnet diversity
// constraints.
package path

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sync"

	"github.com/nyxtor/tor-core/pkg/directory"
	"github.com/nyxtor/tor-core/pkg/logger"
)

// Path is a selected three-hop circuit route.
type Path struct {
	Guard  *directory.Relay
	Middle *directory.Relay
	Exit   *directory.Relay
}

// consensusSource is the subset of directory.Client a Selector depends on.
type consensusSource interface {
	Bootstrap(ctx context.Context) (*directory.Consensus, error)
}

// Selector chooses circuit paths from the current consensus. A Selector is
// safe for concurrent use; SelectPath only reads the consensus snapshot
// installed by the most recent UpdateConsensus.
type Selector struct {
	logger *logger.Logger
	dir    consensusSource
	guardMgr *GuardManager

	mu      sync.RWMutex
	guards  []*directory.Relay
	relays  []*directory.Relay
	weights map[string]int64
}

// NewSelector creates a path selector backed by dir. UpdateConsensus must
// be called at least once before SelectPath can succeed. The returned
// Selector samples a fresh guard on every call to SelectPath; use
// NewSelectorWithGuards to persist and reuse a primary guard across calls
// per select_guard.
func NewSelector(dir consensusSource, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Selector{
		logger:  log.Component("path"),
		dir:     dir,
		weights: make(map[string]int64),
	}
}

// NewSelectorWithGuards creates a path selector that consults guardMgr for
// select_guard: it reuses a persisted non-bad primary guard when the
// current consensus still carries it, excludes bad-listed guards from a
// fresh sample, and persists whichever guard SelectPath returns.
func NewSelectorWithGuards(dir consensusSource, guardMgr *GuardManager, log *logger.Logger) *Selector {
	s := NewSelector(dir, log)
	s.guardMgr = guardMgr
	return s
}

// GetRelays returns the relays from the most recently loaded consensus.
func (s *Selector) GetRelays() []*directory.Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relays
}

// UpdateConsensus fetches the latest verified consensus and refreshes the
// candidate relay pools used by SelectPath.
func (s *Selector) UpdateConsensus(ctx context.Context) error {
	consensus, err := s.dir.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap consensus: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.relays = s.relays[:0]
	s.guards = s.guards[:0]
	s.weights = consensus.BandwidthWeights

	for i := range consensus.Relays {
		r := &consensus.Relays[i]
		if !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		s.relays = append(s.relays, r)
		if r.Flags.Guard && r.Flags.Fast {
			s.guards = append(s.guards, r)
		}
	}

	s.logger.Info("consensus updated", "relays", len(s.relays), "guards", len(s.guards))
	return nil
}

// SelectPath picks a guard, middle and exit relay satisfying subnet and
// family diversity, weighted by the consensus bandwidth-weight table.
// targetPort is currently unused for exit-policy filtering (no per-port
// exit policy is parsed from microdescriptors by this core) and is
// accepted for API symmetry with callers that know their target port.
func (s *Selector) SelectPath(targetPort int) (*Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exit, err := s.selectExit(targetPort, nil)
	if err != nil {
		return nil, fmt.Errorf("select exit: %w", err)
	}
	guard, err := s.selectGuard()
	if err != nil {
		return nil, fmt.Errorf("select guard: %w", err)
	}
	middle, err := s.selectMiddle(guard, exit)
	if err != nil {
		return nil, fmt.Errorf("select middle: %w", err)
	}

	return &Path{Guard: guard, Middle: middle, Exit: exit}, nil
}

// selectGuard implements select_guard: it returns the persisted primary
// guard when guardMgr has one that is still present in the current
// consensus and not bad, otherwise it samples fresh weighted by Wgg/Wgd
// (excluding any bad-listed guards) and persists the result. Callers must
// hold s.mu.
func (s *Selector) selectGuard() (*directory.Relay, error) {
	if len(s.guards) == 0 {
		return nil, fmt.Errorf("no guard relays available")
	}

	if s.guardMgr != nil {
		present := make(map[string]*directory.Relay, len(s.guards))
		for _, r := range s.guards {
			present[r.FingerprintHex()] = r
		}
		if primary := s.guardMgr.PrimaryGuard(present); primary != nil {
			return primary, nil
		}
	}

	var excluded map[string]bool
	if s.guardMgr != nil {
		excluded = s.guardMgr.ExcludedFingerprints()
	}

	wgg := s.weight("Wgg")
	wgd := s.weight("Wgd")

	var candidates []*directory.Relay
	var weights []int64
	for _, r := range s.guards {
		if excluded[r.FingerprintHex()] {
			continue
		}
		w := wgg
		if r.Flags.Exit {
			w = wgd
		}
		candidates = append(candidates, r)
		weights = append(weights, r.Bandwidth*w/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable guard relays found")
	}

	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	guard := candidates[idx]

	if s.guardMgr != nil {
		s.guardMgr.RecordSelection(guard)
	}
	return guard, nil
}

// selectExit picks an exit relay weighted by Wee, excluding exclude if
// non-nil. Callers must hold s.mu.
func (s *Selector) selectExit(_ int, exclude *directory.Relay) (*directory.Relay, error) {
	wee := s.weight("Wee")

	var candidates []*directory.Relay
	var weights []int64
	for _, r := range s.relays {
		if !r.Flags.Exit || r.Flags.BadExit {
			continue
		}
		if exclude != nil && (r.Identity == exclude.Identity || r.InFamily(exclude)) {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, r.Bandwidth*wee/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable exit relays found")
	}
	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// selectMiddle picks a middle relay weighted by Wmm/Wmg/Wme/Wmd, excluding
// guard and exit by identity, declared family, and /16 subnet. Callers must
// hold s.mu.
func (s *Selector) selectMiddle(guard, exit *directory.Relay) (*directory.Relay, error) {
	wmm := s.weight("Wmm")
	wmg := s.weight("Wmg")
	wme := s.weight("Wme")
	wmd := s.weight("Wmd")

	guardSubnet := subnet16(guard.Address)
	exitSubnet := subnet16(exit.Address)

	var candidates []*directory.Relay
	var weights []int64
	for _, r := range s.relays {
		if r.Identity == guard.Identity || r.Identity == exit.Identity {
			continue
		}
		if r.InFamily(guard) || r.InFamily(exit) {
			continue
		}
		if sub := subnet16(r.Address); sub != "" && (sub == guardSubnet || sub == exitSubnet) {
			continue
		}

		w := wmm
		switch {
		case r.Flags.Guard && r.Flags.Exit:
			w = wmd
		case r.Flags.Guard:
			w = wmg
		case r.Flags.Exit:
			w = wme
		}
		candidates = append(candidates, r)
		weights = append(weights, r.Bandwidth*w/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable middle relays found")
	}
	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

func (s *Selector) weight(key string) int64 {
	if v, ok := s.weights[key]; ok {
		return v
	}
	return 10000
}

// subnet16 returns the /16 prefix of an IPv4 address, or "" if addr is not
// a parseable IPv4 address.
func subnet16(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// weightedRandom picks an index proportional to weights using crypto/rand,
// falling back to an unbiased uniform pick when all weights are
// non-positive. math/rand must never be used here: path selection is a
// security-relevant sampling operation.
func weightedRandom(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("empty weights")
	}

	var total int64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}

	if total <= 0 {
		return randomIndex(len(weights))
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		if w > 0 {
			cumulative += w
		}
		if r < cumulative {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}

// randomIndex returns a uniform random index in [0, n) using crypto/rand.
func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randomIndex: n must be positive, got %d", n)
	}
	if n == 1 {
		return 0, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	return int(v.Int64()), nil
}
