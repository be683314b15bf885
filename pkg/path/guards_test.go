package path

import (
	"context"
	"testing"

	"github.com/nyxtor/tor-core/pkg/directory"
	"github.com/nyxtor/tor-core/pkg/logger"
	"github.com/nyxtor/tor-core/pkg/storage"
)

func testRelay(nickname string, idByte byte, address string) *directory.Relay {
	r := &directory.Relay{Nickname: nickname, Address: address}
	for i := range r.Identity {
		r.Identity[i] = idByte
	}
	r.Flags.Guard = true
	r.Flags.Running = true
	r.Flags.Valid = true
	r.Flags.Stable = true
	return r
}

func TestNewGuardManager(t *testing.T) {
	ctx := context.Background()
	gm, err := NewGuardManager(ctx, storage.NewMemory(), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewGuardManager() failed: %v", err)
	}
	if gm == nil {
		t.Fatal("NewGuardManager() returned nil")
	}
}

func TestGuardManagerRecordSelection(t *testing.T) {
	ctx := context.Background()
	gm, err := NewGuardManager(ctx, storage.NewMemory(), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewGuardManager() failed: %v", err)
	}

	relay := testRelay("TestGuard", 0xAA, "192.0.2.1")
	gm.RecordSelection(relay)

	present := map[string]*directory.Relay{relay.FingerprintHex(): relay}
	primary := gm.PrimaryGuard(present)
	if primary == nil || primary.FingerprintHex() != relay.FingerprintHex() {
		t.Fatalf("PrimaryGuard() = %v, want %s", primary, relay.FingerprintHex())
	}
}

func TestGuardManagerPrimaryGuardAbsentFromConsensus(t *testing.T) {
	ctx := context.Background()
	gm, err := NewGuardManager(ctx, storage.NewMemory(), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewGuardManager() failed: %v", err)
	}

	relay := testRelay("TestGuard", 0xAA, "192.0.2.1")
	gm.RecordSelection(relay)

	if primary := gm.PrimaryGuard(map[string]*directory.Relay{}); primary != nil {
		t.Error("PrimaryGuard() should be nil when the guard is absent from the current consensus")
	}
}

func TestGuardManagerRecordFailureMarksBad(t *testing.T) {
	ctx := context.Background()
	gm, err := NewGuardManager(ctx, storage.NewMemory(), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewGuardManager() failed: %v", err)
	}

	relay := testRelay("TestGuard", 0xAA, "192.0.2.1")
	gm.RecordSelection(relay)

	for i := 0; i < guardFailureThreshold; i++ {
		gm.RecordFailure(relay.FingerprintHex())
	}

	present := map[string]*directory.Relay{relay.FingerprintHex(): relay}
	if primary := gm.PrimaryGuard(present); primary != nil {
		t.Error("PrimaryGuard() should be nil once the guard is bad")
	}
	if excluded := gm.ExcludedFingerprints(); !excluded[relay.FingerprintHex()] {
		t.Error("ExcludedFingerprints() should include the bad guard")
	}
}

func TestGuardManagerRecordSuccessClearsFailures(t *testing.T) {
	ctx := context.Background()
	gm, err := NewGuardManager(ctx, storage.NewMemory(), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewGuardManager() failed: %v", err)
	}

	relay := testRelay("TestGuard", 0xAA, "192.0.2.1")
	gm.RecordSelection(relay)
	gm.RecordFailure(relay.FingerprintHex())
	gm.RecordFailure(relay.FingerprintHex())
	gm.RecordSuccess(relay.FingerprintHex())

	stats := gm.GetStats()
	if stats.BadGuards != 0 {
		t.Errorf("BadGuards = %d, want 0 after RecordSuccess", stats.BadGuards)
	}
}

func TestGuardManagerSaveLoad(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	gm1, err := NewGuardManager(ctx, store, logger.NewDefault())
	if err != nil {
		t.Fatalf("NewGuardManager() failed: %v", err)
	}

	relay := testRelay("Guard1", 0xAA, "192.0.2.1")
	gm1.RecordSelection(relay)

	if err := gm1.Save(ctx); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	gm2, err := NewGuardManager(ctx, store, logger.NewDefault())
	if err != nil {
		t.Fatalf("NewGuardManager() failed: %v", err)
	}

	present := map[string]*directory.Relay{relay.FingerprintHex(): relay}
	primary := gm2.PrimaryGuard(present)
	if primary == nil || primary.FingerprintHex() != relay.FingerprintHex() {
		t.Fatalf("PrimaryGuard() after reload = %v, want %s", primary, relay.FingerprintHex())
	}
}

func TestGuardManagerGetStats(t *testing.T) {
	ctx := context.Background()
	gm, err := NewGuardManager(ctx, storage.NewMemory(), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewGuardManager() failed: %v", err)
	}

	relay := testRelay("Guard1", 0xAA, "192.0.2.1")
	gm.RecordSelection(relay)

	stats := gm.GetStats()
	if stats.TotalGuards != 1 {
		t.Errorf("TotalGuards = %d, want 1", stats.TotalGuards)
	}
	if stats.BadGuards != 0 {
		t.Errorf("BadGuards = %d, want 0", stats.BadGuards)
	}
}
