package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// PostgresDistributedLockManager serializes maintenance work across
// orchestrator instances with postgres advisory locks. Advisory locks
// are session scoped, so every held lock pins one connection out of
// the pool; releasing on a different pooled connection would unlock
// nothing.
type PostgresDistributedLockManager struct {
	db *sql.DB

	mu   sync.Mutex
	held map[int]*sql.Conn
}

func NewPostgresDistributedLockManager(db *sql.DB) *PostgresDistributedLockManager {
	return &PostgresDistributedLockManager{
		db:   db,
		held: make(map[int]*sql.Conn),
	}
}

func (l *PostgresDistributedLockManager) Acquire(lockID int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock %d: %w", lockID, err)
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		conn.Close()
		return fmt.Errorf("acquire lock %d: %w", lockID, err)
	}

	l.remember(lockID, conn)
	return nil
}

func (l *PostgresDistributedLockManager) TryAcquire(lockID int) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("try lock %d: %w", lockID, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("try lock %d: %w", lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	l.remember(lockID, conn)
	return true, nil
}

func (l *PostgresDistributedLockManager) Release(lockID int) error {
	l.mu.Lock()
	conn := l.held[lockID]
	delete(l.held, lockID)
	l.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("release lock %d: not held", lockID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID)
	closeErr := conn.Close()
	if err != nil {
		return fmt.Errorf("release lock %d: %w", lockID, err)
	}
	return closeErr
}

func (l *PostgresDistributedLockManager) remember(lockID int, conn *sql.Conn) {
	l.mu.Lock()
	if old := l.held[lockID]; old != nil {
		old.Close()
	}
	l.held[lockID] = conn
	l.mu.Unlock()
}
