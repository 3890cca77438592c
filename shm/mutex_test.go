package shm

import (
	"errors"
	"testing"
	"time"
)

func TestMutex_LockUnlock(t *testing.T) {
	name := testSegmentName(t)

	m, err := OpenMutex(name)
	if err != nil {
		t.Fatalf("OpenMutex failed: %v", err)
	}
	defer func() {
		m.Close()
		RemoveMutex(name)
	}()

	if err := m.Lock(LockTimeout); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	m.Unlock()

	if err := m.Lock(LockTimeout); err != nil {
		t.Fatalf("Relock failed: %v", err)
	}
	m.Unlock()
}

// Two handles on the same named mutex exclude each other; the second
// holder observes the first holder's release.
func TestMutex_Contention(t *testing.T) {
	name := testSegmentName(t)

	a, err := OpenMutex(name)
	if err != nil {
		t.Fatalf("OpenMutex failed: %v", err)
	}
	b, err := OpenMutex(name)
	if err != nil {
		t.Fatalf("OpenMutex failed: %v", err)
	}
	defer func() {
		a.Close()
		b.Close()
		RemoveMutex(name)
	}()

	if err := a.Lock(LockTimeout); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- b.Lock(time.Second)
	}()

	select {
	case err := <-acquired:
		t.Fatalf("Second handle acquired while first held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	a.Unlock()

	if err := <-acquired; err != nil {
		t.Fatalf("Second handle failed to acquire after release: %v", err)
	}
	b.Unlock()
}

func TestMutex_Timeout(t *testing.T) {
	name := testSegmentName(t)

	a, err := OpenMutex(name)
	if err != nil {
		t.Fatalf("OpenMutex failed: %v", err)
	}
	b, err := OpenMutex(name)
	if err != nil {
		t.Fatalf("OpenMutex failed: %v", err)
	}
	defer func() {
		a.Close()
		b.Close()
		RemoveMutex(name)
	}()

	if err := a.Lock(LockTimeout); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer a.Unlock()

	if err := b.Lock(50 * time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Expected ErrLockTimeout, got %v", err)
	}
}
