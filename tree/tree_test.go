package tree

import (
	"testing"

	"stridekv/keystore"
	"stridekv/keyspace"
	"stridekv/node"
	"stridekv/nodecache"
)

func keyOf(v uint64) keyspace.Key {
	var k keyspace.Key
	for i := 0; i < 8; i++ {
		k[keyspace.ByteLen-1-i] = byte(v >> (8 * i))
	}
	return k
}

func TestInitCreatesRootOnce(t *testing.T) {
	store := keystore.NewMemory(4)
	tr := New(store, nodecache.New(10))

	if err := tr.Init(false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if store.Size() != 1 {
		t.Fatalf("Size after first Init = %d, want 1", store.Size())
	}
	if err := tr.Init(false); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if store.Size() != 1 {
		t.Fatalf("Size after second Init = %d, want 1 (no duplicate root)", store.Size())
	}
}

func TestGetFindsKeyInRoot(t *testing.T) {
	store := keystore.NewMemory(4)
	tr := New(store, nodecache.New(10))
	if err := tr.Init(false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	root, err := store.Get(RootID, 0)
	if err != nil {
		t.Fatalf("Get root: %v", err)
	}
	root.Keys[0] = node.KeyValue{Key: keyOf(500), Offset: 10, Length: 4}
	if err := store.Set(root); err != nil {
		t.Fatalf("Set root: %v", err)
	}
	// Refresh the cache the way a journal commit does, so Get does not
	// start from the root cached by Init.
	tr.Cache.Add(root)

	offset, length, err := tr.Get(keyOf(500))
	if err != nil {
		t.Fatalf("Get(500): %v", err)
	}
	if offset != 10 || length != 4 {
		t.Fatalf("Get(500) = %d,%d, want 10,4", offset, length)
	}
	if _, _, err := tr.Get(keyOf(999)); err != ErrKeyNotFound {
		t.Fatalf("Get(999): got %v, want ErrKeyNotFound", err)
	}
}

func TestGetDescendsIntoChild(t *testing.T) {
	store := keystore.NewMemory(4)
	tr := New(store, nodecache.New(10))
	if err := tr.Init(false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	root, _ := store.Get(RootID, 0)
	child, err := store.New(1, keyOf(100), keyOf(200))
	if err != nil {
		t.Fatalf("New child: %v", err)
	}
	child.Keys[0] = node.KeyValue{Key: keyOf(150), Offset: 77, Length: 2}
	if err := store.Set(child); err != nil {
		t.Fatalf("Set child: %v", err)
	}

	root.Keys[0] = node.KeyValue{Key: keyOf(100), Offset: node.SyntheticOffset}
	root.Keys[1] = node.KeyValue{Key: keyOf(200), Offset: node.SyntheticOffset}
	root.Children[1] = child.ID
	if err := store.Set(root); err != nil {
		t.Fatalf("Set root: %v", err)
	}
	tr.Cache.Add(root)

	offset, length, err := tr.Get(keyOf(150))
	if err != nil {
		t.Fatalf("Get(150): %v", err)
	}
	if offset != 77 || length != 2 {
		t.Fatalf("Get(150) = %d,%d, want 77,2", offset, length)
	}
}

func TestIsSaneAndNonSyntheticKeyCount(t *testing.T) {
	store := keystore.NewMemory(4)
	tr := New(store, nodecache.New(10))
	if err := tr.Init(true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := tr.IsSane(); err != nil {
		t.Fatalf("IsSane: %v", err)
	}
	count, err := tr.NonSyntheticKeyCount()
	if err != nil {
		t.Fatalf("NonSyntheticKeyCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("NonSyntheticKeyCount = %d, want 0 (all synthetic)", count)
	}
}
