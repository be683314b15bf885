package crypto

import (
	"bytes"
	"crypto/sha1" // #nosec G505
	"testing"
)

func TestRunningDigestExpectedDoesNotMutateState(t *testing.T) {
	var seed [20]byte
	for i := range seed {
		seed[i] = byte(i)
	}
	d := NewRunningDigest(seed)

	payload := make([]byte, 498)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	first, err := d.Expected(payload)
	if err != nil {
		t.Fatalf("Expected: %v", err)
	}
	second, err := d.Expected(payload)
	if err != nil {
		t.Fatalf("Expected (again): %v", err)
	}
	if first != second {
		t.Fatalf("Expected() mutated live state: %x != %x", first, second)
	}
}

func TestRunningDigestCommitAdvancesChain(t *testing.T) {
	var seed [20]byte
	for i := range seed {
		seed[i] = byte(i)
	}
	d := NewRunningDigest(seed)

	payloadA := bytes.Repeat([]byte{0xAA}, 498)
	payloadB := bytes.Repeat([]byte{0xBB}, 498)

	beforeCommit, err := d.Expected(payloadA)
	if err != nil {
		t.Fatalf("Expected: %v", err)
	}
	d.Commit(payloadA)

	afterCommit, err := d.Expected(payloadA)
	if err != nil {
		t.Fatalf("Expected after commit: %v", err)
	}
	if beforeCommit == afterCommit {
		t.Fatal("digest for identical payload unchanged after Commit; running state did not advance")
	}

	// Reference: hashing seed||A||B directly must match committing A then
	// expecting B.
	ref := sha1.New() // #nosec G401
	ref.Write(seed[:])
	ref.Write(payloadA)
	ref.Write(payloadB)
	want := ref.Sum(nil)[:4]

	got, err := d.Expected(payloadB)
	if err != nil {
		t.Fatalf("Expected: %v", err)
	}
	if !bytes.Equal(got[:], want) {
		t.Errorf("chained digest = %x, want %x", got, want)
	}
}

func TestRunningDigestDiffersForDifferentSeeds(t *testing.T) {
	var seedA, seedB [20]byte
	seedB[0] = 1

	da := NewRunningDigest(seedA)
	db := NewRunningDigest(seedB)

	payload := make([]byte, 498)
	a, err := da.Expected(payload)
	if err != nil {
		t.Fatal(err)
	}
	b, err := db.Expected(payload)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("different seeds produced identical digests")
	}
}
