package store

import (
	"database/sql"
	"errors"

	"github.com/ehrlich-b/rvhost/internal/herr"
)

// ErrLockHeld is returned by AcquireLock when another owner already
// holds the machine's lock and the caller did not ask to steal it.
var ErrLockHeld = errors.New("machine lock held by another owner")

// LockRow is one row of the machine_locks table.
type LockRow struct {
	MachineID string
	OwnerToken string
	AcquiredAtMs int64
}

// AcquireLock grants the machine's advisory lock to
// ownerToken if unheld. Returns ErrLockHeld (not a fatal error) if
// someone else already holds it, so the Supervisor can surface
// "running in another tab" and offer steal.
func (s *Store) AcquireLock(machineID, ownerToken string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return herr.NewStorageError("acquire lock", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`SELECT owner_token FROM machine_locks WHERE machine_id = ?`, machineID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(
			`INSERT INTO machine_locks (machine_id, owner_token, acquired_at_ms) VALUES (?, ?, ?)`,
			machineID, ownerToken, nowMs(),
		); err != nil {
			return herr.NewStorageError("acquire lock", err)
		}
	case err != nil:
		return herr.NewStorageError("acquire lock", err)
	case existing == ownerToken:
		// Already ours (re-entrant boot after a crash, for instance).
	default:
		return ErrLockHeld
	}
	return tx.Commit()
}

// StealLock force-transfers the lock to a new owner regardless of who
// currently holds it — the only way to take a machine from another tab.
func (s *Store) StealLock(machineID, newOwnerToken string) error {
	_, err := s.db.Exec(
		`INSERT INTO machine_locks (machine_id, owner_token, acquired_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(machine_id) DO UPDATE SET owner_token=excluded.owner_token, acquired_at_ms=excluded.acquired_at_ms`,
		machineID, newOwnerToken, nowMs(),
	)
	if err != nil {
		return herr.NewStorageError("steal lock", err)
	}
	return nil
}

// ReleaseLock drops the lock row if owned by ownerToken. Releasing a
// lock you don't hold is a no-op, not an error — termination paths call
// this unconditionally during shutdown.
func (s *Store) ReleaseLock(machineID, ownerToken string) error {
	_, err := s.db.Exec(`DELETE FROM machine_locks WHERE machine_id = ? AND owner_token = ?`, machineID, ownerToken)
	if err != nil {
		return herr.NewStorageError("release lock", err)
	}
	return nil
}

// LockHolder returns the current holder, if any.
func (s *Store) LockHolder(machineID string) (*LockRow, error) {
	row := &LockRow{MachineID: machineID}
	err := s.db.QueryRow(
		`SELECT owner_token, acquired_at_ms FROM machine_locks WHERE machine_id = ?`, machineID,
	).Scan(&row.OwnerToken, &row.AcquiredAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, herr.NewStorageError("lock holder", err)
	}
	return row, nil
}
