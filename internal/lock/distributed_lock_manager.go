package lock

// DistributedLockManager serializes maintenance work across
// orchestrator instances sharing one ledger database.
type DistributedLockManager interface {
	// Acquire blocks until the lock is held.
	Acquire(lockID int) error
	// TryAcquire returns false without blocking when another instance
	// holds the lock. Sweeps use it to skip an overlapping run.
	TryAcquire(lockID int) (bool, error)
	Release(lockID int) error
}
