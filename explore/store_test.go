package explore

import "testing"

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStore(t, store)
	if err := store.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestBadgerStore(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}()
	testStore(t, store)
}

func testStore(t *testing.T, store StateStore) {
	t.Helper()
	for _, fp := range []uint64{1, 2, 0xdeadbeef} {
		seen, err := store.Add(fp)
		if err != nil {
			t.Fatalf("add %d: %v", fp, err)
		}
		if seen {
			t.Errorf("fingerprint %d reported seen on first add", fp)
		}
	}
	seen, err := store.Add(2)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if !seen {
		t.Errorf("fingerprint 2 reported unseen on second add")
	}
	if store.Count() != 3 {
		t.Errorf("got count %d, expected 3", store.Count())
	}
}
