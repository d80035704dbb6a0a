package storage

import (
	"os"
	"testing"

	"github.com/dtn-relay/dtnnode/pkg/bundle"
)

func setupStoreDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "dtnstore")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestStorePutGet(t *testing.T) {
	store, err := NewStore(setupStoreDir(t), bundle.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}

	b := bundle.New("dtn://src", "dtn://dst", []byte("hello world"), 1.0, 60)
	if err := store.Put(b); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(b.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != b.ID || string(got.Payload) != string(b.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, b)
	}
}

func TestStorePutIdempotent(t *testing.T) {
	store, err := NewStore(setupStoreDir(t), bundle.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}

	b := bundle.New("dtn://src", "dtn://dst", []byte("dup"), 1.0, 60)
	if err := store.Put(b); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(b); err != bundle.ErrAlreadyPresent {
		t.Fatalf("expected ErrAlreadyPresent, got %v", err)
	}
	if store.Count() != 1 {
		t.Fatalf("expected exactly one stored bundle, got %d", store.Count())
	}
}

func TestStoreDeleteMissingIsNotError(t *testing.T) {
	store, err := NewStore(setupStoreDir(t), bundle.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("does-not-exist"); err != nil {
		t.Fatalf("expected no error deleting a missing key, got %v", err)
	}
}

func TestStoreRehydratesOnRestart(t *testing.T) {
	dir := setupStoreDir(t)

	store, err := NewStore(dir, bundle.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}
	b := bundle.New("dtn://src", "dtn://dst", []byte("persisted"), 2.0, 300)
	if err := store.Put(b); err != nil {
		t.Fatal(err)
	}

	// Simulate a process restart by opening a fresh Store over the same dir.
	reopened, err := NewStore(dir, bundle.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}

	if !reopened.Known(b.ID) {
		t.Fatalf("expected rehydrated store to know about %s", b.ID)
	}
	got, err := reopened.Get(b.ID)
	if err != nil {
		t.Fatalf("Get after rehydrate failed: %v", err)
	}
	if got.ID != b.ID || got.Source != b.Source || got.Destination != b.Destination ||
		string(got.Payload) != string(b.Payload) || got.CreatedAt != b.CreatedAt || got.Lifetime != b.Lifetime {
		t.Fatalf("rehydrated bundle mismatch: got %+v, want %+v", got, b)
	}
}

func TestStoreMarkForwardedSurvivesRestart(t *testing.T) {
	dir := setupStoreDir(t)

	store, err := NewStore(dir, bundle.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}
	b := bundle.New("dtn://src", "dtn://dst", []byte("forwarded"), 3.0, 300)
	if err := store.Put(b); err != nil {
		t.Fatal(err)
	}
	if store.Forwarded(b.ID) {
		t.Fatal("bundle should not be marked forwarded yet")
	}
	if err := store.MarkForwarded(b.ID); err != nil {
		t.Fatalf("MarkForwarded failed: %v", err)
	}
	if err := store.MarkForwarded(b.ID); err != nil {
		t.Fatalf("MarkForwarded should be idempotent, got: %v", err)
	}

	reopened, err := NewStore(dir, bundle.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Forwarded(b.ID) {
		t.Fatal("expected rehydrated store to remember the forwarded marker")
	}
	if !reopened.Known(b.ID) {
		t.Fatal("forwarded marker file must not be mistaken for the bundle itself")
	}
	if reopened.Count() != 1 {
		t.Fatalf("expected exactly one bundle in the rehydrated index, got %d", reopened.Count())
	}
}

func TestStoreDeleteClearsForwardedMarker(t *testing.T) {
	store, err := NewStore(setupStoreDir(t), bundle.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}
	b := bundle.New("dtn://src", "dtn://dst", []byte("gone"), 1.0, 60)
	if err := store.Put(b); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkForwarded(b.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(b.ID); err != nil {
		t.Fatal(err)
	}
	if store.Forwarded(b.ID) {
		t.Fatal("expected forwarded marker to be cleared on delete")
	}
}

func TestStoreDeleteThenGetNotFound(t *testing.T) {
	store, err := NewStore(setupStoreDir(t), bundle.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}
	b := bundle.New("dtn://src", "dtn://dst", []byte("short-lived"), 1.0, 5)
	if err := store.Put(b); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(b.ID); err != bundle.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
