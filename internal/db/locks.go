package db

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/facadeworks/elevsync/internal/logger"
)

// syncLockKey is the advisory lock key that keeps full syncs exclusive
// across every process sharing the database.
const syncLockKey int64 = 0x656c6576

const unlockTimeout = 10 * time.Second

// TryAcquireSyncLock takes the sync lock without waiting. Advisory locks
// belong to a database session, so one pooled connection stays pinned until
// release runs. acquired is false when another session holds the lock.
func (db *DB) TryAcquireSyncLock(ctx context.Context) (release func(), acquired bool, err error) {
	ctx, span := tracer.Start(ctx, "db.try_acquire_sync_lock")
	defer span.End()

	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve connection: %w", err)
	}
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, syncLockKey).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to take sync lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	release = func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		var unlocked bool
		err := conn.QueryRowContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, syncLockKey).Scan(&unlocked)
		if err != nil || !unlocked {
			logger.Warn("failed to release sync lock, dropping connection", "error", err)
			// Discarding the connection ends its session, which frees the lock.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}
	return release, true, nil
}

// SyncLockHeld reports whether any session currently holds the sync lock.
func (db *DB) SyncLockHeld(ctx context.Context) (bool, error) {
	var held bool
	err := db.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			  AND granted
			  AND database = (SELECT oid FROM pg_database WHERE datname = current_database())
			  AND classid::bigint = ($1::bigint >> 32)
			  AND objid::bigint = ($1::bigint & 4294967295)
			  AND objsubid = 1
		)`, syncLockKey).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("failed to query sync lock: %w", err)
	}
	return held, nil
}
