// Package lockmgr provides the single-tab advisory lock per machine:
// one owner token may hold a machine's lock at a time, and a later
// caller may steal it outright. This generalizes a single-active-owner-
// per-resource pattern — there it's one process per resource ID tracked
// in memory across a cluster, here it's one control-API client per
// machine ID tracked durably in sqlite so a supervisor restart doesn't
// forget who held the lock.
package lockmgr

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/rvhost/internal/store"
)

// Manager arbitrates ownership of machine locks. All mutating
// operations are serialized through the backing store; the in-memory
// mutex only protects the notification fan-out below.
type Manager struct {
	db *store.Store

	mu sync.Mutex
	watchers map[string][]chan struct{}
}

// New wraps a store for lock arbitration.
func New(db *store.Store) *Manager {
	return &Manager{db: db, watchers: make(map[string][]chan struct{})}
}

// NewOwnerToken mints a fresh opaque owner identity for one control-API
// connection's lifetime.
func NewOwnerToken() string {
	return uuid.NewString()
}

// Acquire grants ownerToken the lock on machineID, or returns
// store.ErrLockHeld if another owner already has it.
func (m *Manager) Acquire(machineID, ownerToken string) error {
	return m.db.AcquireLock(machineID, ownerToken)
}

// Steal force-transfers the lock to newOwnerToken and notifies anyone
// watching machineID that ownership changed.
func (m *Manager) Steal(machineID, newOwnerToken string) error {
	if err := m.db.StealLock(machineID, newOwnerToken); err != nil {
		return err
	}
	m.notify(machineID)
	return nil
}

// Release drops ownerToken's hold on machineID, if it currently holds it.
func (m *Manager) Release(machineID, ownerToken string) error {
	return m.db.ReleaseLock(machineID, ownerToken)
}

// Holder reports the current owner of machineID, or nil if unheld.
func (m *Manager) Holder(machineID string) (*store.LockRow, error) {
	return m.db.LockHolder(machineID)
}

// IsHeldBy reports whether ownerToken currently owns machineID's lock.
func (m *Manager) IsHeldBy(machineID, ownerToken string) (bool, error) {
	holder, err := m.Holder(machineID)
	if err != nil {
		return false, err
	}
	return holder != nil && holder.OwnerToken == ownerToken, nil
}

// WatchTakeover returns a channel that receives a value once when
// machineID's lock is stolen out from under the caller. The channel is
// unbuffered-semantics (capacity 1, coalesced) and is not reused after
// firing.
func (m *Manager) WatchTakeover(machineID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers[machineID] = append(m.watchers[machineID], ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) notify(machineID string) {
	m.mu.Lock()
	chans := m.watchers[machineID]
	delete(m.watchers, machineID)
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
