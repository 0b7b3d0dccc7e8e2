package session

import (
	"errors"
	"reflect"
	"testing"
)

func TestSlotPoolEnforcesCapacity(t *testing.T) {
	t.Parallel()

	pool := NewSlotPool(2)
	if err := pool.Acquire(1); err != nil {
		t.Fatalf("acquire session 1: %v", err)
	}
	if err := pool.Acquire(2); err != nil {
		t.Fatalf("acquire session 2: %v", err)
	}

	err := pool.Acquire(3)
	if !errors.Is(err, ErrNoSlotsAvailable) {
		t.Fatalf("acquire session 3 error = %v, want ErrNoSlotsAvailable", err)
	}
	if pool.InUse() != 2 {
		t.Fatalf("InUse = %d, want 2", pool.InUse())
	}

	pool.Release(1)
	if err := pool.Acquire(3); err != nil {
		t.Fatalf("acquire session 3 after release: %v", err)
	}
}

func TestSlotPoolAcquireIsIdempotentPerSession(t *testing.T) {
	t.Parallel()

	pool := NewSlotPool(1)
	if err := pool.Acquire(9); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := pool.Acquire(9); err != nil {
		t.Fatalf("repeat acquire for the same session: %v", err)
	}
	if pool.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", pool.InUse())
	}
	if !pool.Held(9) {
		t.Fatal("expected session 9 to hold a slot")
	}
}

func TestSlotPoolDefaultsCapacity(t *testing.T) {
	t.Parallel()

	pool := NewSlotPool(0)
	if pool.Capacity() != DefaultMaxSessions {
		t.Fatalf("Capacity = %d, want %d", pool.Capacity(), DefaultMaxSessions)
	}
}

func TestSlotPoolRejectsInvalidSessionID(t *testing.T) {
	t.Parallel()

	pool := NewSlotPool(2)
	if err := pool.Acquire(0); err == nil {
		t.Fatal("expected error for session id 0")
	}
	if err := pool.Acquire(-4); err == nil {
		t.Fatal("expected error for negative session id")
	}
}

func TestSlotPoolListsHeldSessionsAscending(t *testing.T) {
	t.Parallel()

	pool := NewSlotPool(4)
	for _, sessionID := range []int{7, 2, 5} {
		if err := pool.Acquire(sessionID); err != nil {
			t.Fatalf("acquire session %d: %v", sessionID, err)
		}
	}
	if got := pool.HeldSessions(); !reflect.DeepEqual(got, []int{2, 5, 7}) {
		t.Fatalf("HeldSessions = %v, want [2 5 7]", got)
	}
}

func TestSlotPoolReleaseUnknownSessionIsNoOp(t *testing.T) {
	t.Parallel()

	pool := NewSlotPool(1)
	pool.Release(42)
	if pool.InUse() != 0 {
		t.Fatalf("InUse = %d, want 0", pool.InUse())
	}
}
