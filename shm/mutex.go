package shm

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// LockTimeout bounds every guard acquisition. The original proceeded with
// the guard on expiry; here expiry surfaces as ErrLockTimeout instead of
// risking a torn tree.
const LockTimeout = 200 * time.Millisecond

// ErrLockTimeout reports that the instance mutex could not be acquired
// within the bounded wait.
var ErrLockTimeout = errors.New("usvfs: lock acquisition timed out")

const lockPollInterval = time.Millisecond

// Mutex is the named cross-process mutex guarding an instance. It pairs a
// flock on a lock file (cross-process exclusion) with an in-process mutex
// (flock does not exclude the owning process's other goroutines).
type Mutex struct {
	name  string
	file  *os.File
	inner sync.Mutex
}

// OpenMutex opens or creates the named mutex.
func OpenMutex(name string) (*Mutex, error) {
	file, err := os.OpenFile(segmentPath(name)+".lock", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("usvfs: open mutex %q: %w", name, err)
	}
	return &Mutex{name: name, file: file}, nil
}

// Lock acquires the mutex, waiting at most timeout. Returns ErrLockTimeout
// on expiry; the mutex is then not held.
func (m *Mutex) Lock(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for !m.inner.TryLock() {
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}

	for {
		err := unix.Flock(int(m.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			m.inner.Unlock()
			return fmt.Errorf("usvfs: lock %q: %w", m.name, err)
		}
		if time.Now().After(deadline) {
			m.inner.Unlock()
			return ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	unix.Flock(int(m.file.Fd()), unix.LOCK_UN)
	m.inner.Unlock()
}

// Close releases the process's handle on the mutex.
func (m *Mutex) Close() error {
	return m.file.Close()
}

// RemoveMutex unlinks the named mutex's backing file.
func RemoveMutex(name string) error {
	err := os.Remove(segmentPath(name) + ".lock")
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
