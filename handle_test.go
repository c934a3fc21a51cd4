package vault

import "testing"

func TestRegistryCreateGetRemove(t *testing.T) {
	r := newRegistry[string]()
	v := "hello"
	h := r.create(&v)
	if h == 0 {
		t.Fatal("create() returned the invalid sentinel handle 0")
	}

	got, ok := r.get(h)
	if !ok || *got != "hello" {
		t.Fatalf("get() = (%v, %v), want (\"hello\", true)", got, ok)
	}

	r.remove(h)
	if _, ok := r.get(h); ok {
		t.Fatal("get() found an entry after remove()")
	}
}

func TestRegistryGetUnknownHandleIsNotFound(t *testing.T) {
	r := newRegistry[string]()
	if _, ok := r.get(handle(999)); ok {
		t.Fatal("get() found an entry for a never-issued handle")
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := newRegistry[string]()
	v := "hello"
	h := r.create(&v)
	r.remove(h)
	r.remove(h) // must not panic
	if _, ok := r.get(h); ok {
		t.Fatal("get() found an entry after double remove()")
	}
}

func TestRegistryHandlesAreUnique(t *testing.T) {
	r := newRegistry[string]()
	a, b := "a", "b"
	h1 := r.create(&a)
	h2 := r.create(&b)
	if h1 == h2 {
		t.Fatal("create() issued the same handle twice")
	}
}

func TestRegistryLenTracksLiveEntries(t *testing.T) {
	r := newRegistry[string]()
	v1, v2 := "a", "b"
	h1 := r.create(&v1)
	r.create(&v2)
	if got := r.len(); got != 2 {
		t.Fatalf("len() = %d, want 2", got)
	}
	r.remove(h1)
	if got := r.len(); got != 1 {
		t.Fatalf("len() after remove = %d, want 1", got)
	}
}
