package lockmgr

import (
	"testing"
	"time"

	"github.com/ehrlich-b/rvhost/internal/store"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.Open(":memory:", t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

// TestLockExclusion checks that two owners cannot simultaneously hold
// the same machine's lock.
func TestLockExclusion(t *testing.T) {
	m := openTestManager(t)
	a, b := NewOwnerToken(), NewOwnerToken()

	if err := m.Acquire("m1", a); err != nil {
		t.Fatalf("a acquire: %v", err)
	}
	if err := m.Acquire("m1", b); err != store.ErrLockHeld {
		t.Fatalf("expected ErrLockHeld for b, got %v", err)
	}

	heldA, err := m.IsHeldBy("m1", a)
	if err != nil {
		t.Fatalf("is held by a: %v", err)
	}
	if !heldA {
		t.Fatal("expected a to hold the lock")
	}
	heldB, err := m.IsHeldBy("m1", b)
	if err != nil {
		t.Fatalf("is held by b: %v", err)
	}
	if heldB {
		t.Fatal("expected b not to hold the lock")
	}
}

func TestStealNotifiesPreviousOwner(t *testing.T) {
	m := openTestManager(t)
	a, b := NewOwnerToken(), NewOwnerToken()

	if err := m.Acquire("m1", a); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	takeover := m.WatchTakeover("m1")

	if err := m.Steal("m1", b); err != nil {
		t.Fatalf("steal: %v", err)
	}

	select {
	case <-takeover:
	case <-time.After(time.Second):
		t.Fatal("expected takeover notification")
	}

	holder, err := m.Holder("m1")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if holder == nil || holder.OwnerToken != b {
		t.Fatalf("holder = %+v, want %s", holder, b)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	m := openTestManager(t)
	a, b := NewOwnerToken(), NewOwnerToken()

	if err := m.Acquire("m1", a); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if err := m.Release("m1", a); err != nil {
		t.Fatalf("release a: %v", err)
	}
	if err := m.Acquire("m1", b); err != nil {
		t.Fatalf("acquire b after release: %v", err)
	}
}

func TestIndependentMachinesDoNotContend(t *testing.T) {
	m := openTestManager(t)
	a, b := NewOwnerToken(), NewOwnerToken()

	if err := m.Acquire("m1", a); err != nil {
		t.Fatalf("acquire m1: %v", err)
	}
	if err := m.Acquire("m2", b); err != nil {
		t.Fatalf("acquire m2: %v", err)
	}
}
