package db

import (
	"context"
	"fmt"
)

// TryAcquireAdvisoryLock attempts a non-blocking session advisory lock on a
// dedicated pooled connection, used to keep concurrent instances from
// starting overlapping pipeline runs. Session locks are bound to the
// connection that took them, so acquire and release must run on the same
// one; the returned release func unlocks on that connection and returns it
// to the pool, and must be called when acquired is true.
func (db *DB) TryAcquireAdvisoryLock(ctx context.Context, lockID int64) (release func(), acquired bool, err error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		conn.Release()

		return nil, false, fmt.Errorf("try acquire advisory lock: %w", err)
	}

	if !acquired {
		conn.Release()

		return nil, false, nil
	}

	release = func() {
		//nolint:errcheck // unlock is best-effort, the lock dies with the session anyway
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockID)
		conn.Release()
	}

	return release, true, nil
}
