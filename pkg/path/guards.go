package path

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nyxtor/tor-core/pkg/directory"
	"github.com/nyxtor/tor-core/pkg/logger"
	"github.com/nyxtor/tor-core/pkg/storage"
)

// guardRetirement is how long after it was first added a guard stays in the
// persisted set before it is dropped, per guard-spec.txt's guidance to pin a
// small stable guard set rather than resampling on every bootstrap.
const guardRetirement = 60 * 24 * time.Hour

// guardFailureCooldown is how long a guard stays bad after tripping
// guardFailureThreshold consecutive failures.
const guardFailureCooldown = 1 * time.Hour

// guardFailureThreshold is the number of consecutive failures that marks a
// guard bad.
const guardFailureThreshold = 3

// GuardState is the persisted guard record.
type GuardState struct {
	Fingerprint   string    `json:"fingerprint"`
	Nickname      string    `json:"nickname"`
	Address       string    `json:"address"`
	AddedAt       time.Time `json:"added_at"`
	LastSuccess   time.Time `json:"last_success"`
	FailureCount  int       `json:"failure_count"`
	IsPrimary     bool      `json:"is_primary"`
	badUntil      time.Time
}

// guardStateFile is the on-disk shape persisted under storage.KeyGuardState.
type guardStateFile struct {
	Guards      []GuardState `json:"guards"`
	LastUpdated time.Time    `json:"last_updated"`
}

// GuardStats summarizes the current guard set.
type GuardStats struct {
	TotalGuards int
	BadGuards   int
	LastUpdated time.Time
}

// GuardManager implements select_guard: it reuses a persisted, non-bad
// primary guard across circuit builds rather than resampling every time,
// and tracks per-guard failure streaks so a guard can be temporarily
// excluded without being forgotten.
type GuardManager struct {
	logger      *logger.Logger
	store       storage.Store
	guards      []GuardState
	lastUpdated time.Time
	mu          sync.RWMutex
}

// NewGuardManager creates a guard manager backed by store. Existing state
// is loaded synchronously from store if present.
func NewGuardManager(ctx context.Context, store storage.Store, log *logger.Logger) (*GuardManager, error) {
	if log == nil {
		log = logger.NewDefault()
	}

	gm := &GuardManager{
		logger: log.Component("guards"),
		store:  store,
	}

	if err := gm.load(ctx); err != nil {
		gm.logger.Warn("failed to load guard state", "error", err)
	}

	return gm, nil
}

func (gm *GuardManager) load(ctx context.Context) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	data, err := gm.store.Get(ctx, storage.KeyGuardState)
	if err != nil {
		return err
	}
	var f guardStateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse guard state: %w", err)
	}
	gm.guards = f.Guards
	gm.lastUpdated = f.LastUpdated

	gm.logger.Info("loaded guard state", "guards", len(gm.guards), "last_updated", gm.lastUpdated)
	return nil
}

// Save persists the current guard state to store.
func (gm *GuardManager) Save(ctx context.Context) error {
	gm.mu.Lock()
	gm.lastUpdated = time.Now()
	f := guardStateFile{Guards: gm.guards, LastUpdated: gm.lastUpdated}
	gm.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal guard state: %w", err)
	}
	if err := gm.store.Put(ctx, storage.KeyGuardState, data); err != nil {
		return fmt.Errorf("persist guard state: %w", err)
	}
	gm.logger.Debug("saved guard state", "guards", len(f.Guards))
	return nil
}

// isBad reports whether g is within its failure cooldown. Callers must
// hold gm.mu.
func isBad(g GuardState) bool {
	return g.FailureCount >= guardFailureThreshold && time.Now().Before(g.badUntil)
}

// PrimaryGuard returns the persisted primary guard if it is present in
// present (keyed by fingerprint) and not currently bad, implementing the
// "reuse a persisted non-bad primary guard" half of select_guard.
func (gm *GuardManager) PrimaryGuard(present map[string]*directory.Relay) *directory.Relay {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	for _, g := range gm.guards {
		if !g.IsPrimary || isBad(g) {
			continue
		}
		if r, ok := present[g.Fingerprint]; ok {
			return r
		}
	}
	return nil
}

// ExcludedFingerprints returns the fingerprints of guards currently bad,
// for exclusion from a fresh weighted sample.
func (gm *GuardManager) ExcludedFingerprints() map[string]bool {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	excluded := make(map[string]bool)
	for _, g := range gm.guards {
		if isBad(g) {
			excluded[g.Fingerprint] = true
		}
	}
	return excluded
}

// RecordSelection persists relay as the primary guard, retiring any prior
// primary marker, implementing select_guard's "persist the selection" step.
func (gm *GuardManager) RecordSelection(relay *directory.Relay) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	fp := relay.FingerprintHex()
	now := time.Now()

	for i := range gm.guards {
		gm.guards[i].IsPrimary = false
	}

	for i, g := range gm.guards {
		if g.Fingerprint == fp {
			gm.guards[i].IsPrimary = true
			gm.guards[i].LastSuccess = now
			gm.guards[i].FailureCount = 0
			gm.retireLocked()
			return
		}
	}

	gm.guards = append(gm.guards, GuardState{
		Fingerprint: fp,
		Nickname:    relay.Nickname,
		Address:     relay.Address,
		AddedAt:     now,
		LastSuccess: now,
		IsPrimary:   true,
	})
	gm.logger.Info("recorded new primary guard", "nickname", relay.Nickname, "fingerprint", fp)
	gm.retireLocked()
}

// RecordSuccess clears fingerprint's failure streak.
func (gm *GuardManager) RecordSuccess(fingerprint string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	for i, g := range gm.guards {
		if g.Fingerprint == fingerprint {
			gm.guards[i].LastSuccess = time.Now()
			gm.guards[i].FailureCount = 0
			return
		}
	}
}

// RecordFailure increments fingerprint's consecutive-failure count,
// marking it bad for guardFailureCooldown once guardFailureThreshold is
// reached.
func (gm *GuardManager) RecordFailure(fingerprint string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	for i, g := range gm.guards {
		if g.Fingerprint != fingerprint {
			continue
		}
		gm.guards[i].FailureCount++
		if gm.guards[i].FailureCount >= guardFailureThreshold {
			gm.guards[i].badUntil = time.Now().Add(guardFailureCooldown)
			gm.logger.Warn("guard marked bad", "fingerprint", fingerprint, "failures", gm.guards[i].FailureCount)
		}
		return
	}
	gm.logger.Debug("failure recorded for unknown guard", "fingerprint", fingerprint)
}

// retireLocked drops guards older than guardRetirement. Callers must hold
// gm.mu for writing.
func (gm *GuardManager) retireLocked() {
	now := time.Now()
	valid := gm.guards[:0]
	for _, g := range gm.guards {
		if now.Sub(g.AddedAt) < guardRetirement {
			valid = append(valid, g)
		} else {
			gm.logger.Info("retiring expired guard", "nickname", g.Nickname, "added_at", g.AddedAt)
		}
	}
	gm.guards = valid
}

// GetStats returns guard set statistics.
func (gm *GuardManager) GetStats() GuardStats {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	bad := 0
	for _, g := range gm.guards {
		if isBad(g) {
			bad++
		}
	}
	return GuardStats{
		TotalGuards: len(gm.guards),
		BadGuards:   bad,
		LastUpdated: gm.lastUpdated,
	}
}
