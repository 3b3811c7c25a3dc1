package buffer

import (
	"testing"

	"stridekv/keyspace"
	"stridekv/valuestore"
)

func keyOf(v uint64) keyspace.Key {
	var k keyspace.Key
	for i := 0; i < 8; i++ {
		k[keyspace.ByteLen-1-i] = byte(v >> (8 * i))
	}
	return k
}

func TestAddIsIdempotentOnCollision(t *testing.T) {
	b := New()
	b.Add(keyOf(1), []byte("first"))
	b.Add(keyOf(1), []byte("second"))

	v, ok := b.Get(keyOf(1))
	if !ok || string(v) != "first" {
		t.Fatalf("Get = %q,%v, want first-writer-wins", v, ok)
	}
}

func TestGetMissesEvictedEntries(t *testing.T) {
	b := New()
	if _, err := b.AddEvictee(keyOf(1), 10, 5); err != nil {
		t.Fatalf("AddEvictee: %v", err)
	}
	if _, ok := b.Get(keyOf(1)); ok {
		t.Fatalf("Get returned a value for an Evicted entry")
	}
}

func TestAddEvicteeDuplicateFails(t *testing.T) {
	b := New()
	b.Add(keyOf(1), []byte("x"))
	if _, err := b.AddEvictee(keyOf(1), 0, 0); err != ErrDuplicateKey {
		t.Fatalf("AddEvictee duplicate: got %v, want ErrDuplicateKey", err)
	}
}

func TestSetOffsetTransitionsAndRejectsIllegal(t *testing.T) {
	b := New()
	if err := b.SetOffset(keyOf(1), 5); err != ErrKeyMissing {
		t.Fatalf("SetOffset missing key: got %v", err)
	}
	b.Add(keyOf(1), []byte("v"))
	if err := b.SetOffset(keyOf(1), 5); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if !b.ReadyForCommitting() {
		t.Fatalf("expected ReadyForCommitting after SetOffset")
	}
	if err := b.SetOffset(keyOf(1), 9); err != ErrIllegalTransition {
		t.Fatalf("SetOffset twice: got %v, want ErrIllegalTransition", err)
	}
}

func TestRemoveDuplicateErasesEntry(t *testing.T) {
	b := New()
	b.Add(keyOf(1), []byte("v"))
	b.RemoveDuplicate(keyOf(1))
	if b.Size() != 0 {
		t.Fatalf("Size after RemoveDuplicate = %d, want 0", b.Size())
	}
	// idempotent on missing key
	b.RemoveDuplicate(keyOf(1))
}

type fakeValueWriter struct {
	sets []valuestore.Record
}

func (f *fakeValueWriter) Set(rec valuestore.Record) error {
	f.sets = append(f.sets, rec)
	return nil
}

func TestCommitOrdersByOffsetAndMarksCommitted(t *testing.T) {
	b := New()
	b.Add(keyOf(1), []byte("a"))
	b.Add(keyOf(2), []byte("bb"))
	b.Add(keyOf(3), []byte("ccc"))
	if err := b.SetOffset(keyOf(1), 100); err != nil {
		t.Fatalf("SetOffset 1: %v", err)
	}
	if err := b.SetOffset(keyOf(2), 10); err != nil {
		t.Fatalf("SetOffset 2: %v", err)
	}
	if err := b.SetOffset(keyOf(3), 50); err != nil {
		t.Fatalf("SetOffset 3: %v", err)
	}

	w := &fakeValueWriter{}
	if err := b.Commit(w, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(w.sets) != 3 {
		t.Fatalf("Commit wrote %d records, want 3", len(w.sets))
	}
	if w.sets[0].Offset != 10 || w.sets[1].Offset != 50 || w.sets[2].Offset != 100 {
		t.Fatalf("Commit order = %v, want ascending offsets", w.sets)
	}
	if b.ReadyForCommitting() {
		t.Fatalf("expected no NeedsCommitting entries after Commit")
	}
}

func TestPurgeRejectsWhileNeedsCommittingPending(t *testing.T) {
	b := New()
	b.Add(keyOf(1), []byte("v"))
	b.SetOffset(keyOf(1), 0)
	if err := b.Purge(); err != ErrNotReady {
		t.Fatalf("Purge with pending commit: got %v, want ErrNotReady", err)
	}
}

func TestPurgeKeepsUnprocessedRemovesEvictedAndCommitted(t *testing.T) {
	b := New()
	b.Add(keyOf(1), []byte("v")) // stays Unprocessed
	b.AddEvictee(keyOf(2), 0, 0) // Evicted
	b.Add(keyOf(3), []byte("w"))
	b.SetOffset(keyOf(3), 0)
	w := &fakeValueWriter{}
	if err := b.Commit(w, 10); err != nil {
		t.Fatalf("Commit: %v", err)
	} // now Committed

	if err := b.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if b.Size() != 1 {
		t.Fatalf("Size after Purge = %d, want 1 (Unprocessed survivor)", b.Size())
	}
	if _, ok := b.Get(keyOf(1)); !ok {
		t.Fatalf("expected Unprocessed entry to survive Purge")
	}
}

func TestGetCandidatesSplitsByStatus(t *testing.T) {
	b := New()
	b.Add(keyOf(5), []byte("v"))
	b.AddEvictee(keyOf(6), 1, 2)
	b.Add(keyOf(50), []byte("out of range"))

	candidates, evictions, err := b.GetCandidates(keyOf(0), keyOf(10))
	if err != nil {
		t.Fatalf("GetCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Key != keyOf(5) {
		t.Fatalf("candidates = %v", candidates)
	}
	if len(evictions) != 1 || evictions[0].Key != keyOf(6) {
		t.Fatalf("evictions = %v", evictions)
	}
}

func TestContainsRangeInvalidOnBackwardsRange(t *testing.T) {
	b := New()
	if _, err := b.ContainsRange(keyOf(10), keyOf(5)); err != ErrInvalidRange {
		t.Fatalf("ContainsRange backwards: got %v, want ErrInvalidRange", err)
	}
}

func TestContainsRangeStrictBounds(t *testing.T) {
	b := New()
	b.Add(keyOf(10), []byte("v"))
	if ok, _ := b.ContainsRange(keyOf(10), keyOf(20)); ok {
		t.Fatalf("ContainsRange should exclude the lower bound itself")
	}
	if ok, _ := b.ContainsRange(keyOf(0), keyOf(20)); !ok {
		t.Fatalf("ContainsRange should include a strictly-contained key")
	}
}
