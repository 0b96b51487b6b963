package db

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

// Lock is a session-level advisory lock pinned to one pooled connection.
// pg_advisory_unlock must run on the session that took the lock, so the
// connection is held until Release.
type Lock struct {
	key  string
	conn *sql.Conn
}

// TryAdvisoryLock attempts pg_try_advisory_lock(hashtext(key)) without
// blocking. It returns (nil, false, nil) when another session holds the key.
func TryAdvisoryLock(ctx context.Context, d *gorm.DB, key string) (*Lock, bool, error) {
	sqlDB, err := d.DB()
	if err != nil {
		return nil, false, fmt.Errorf("get sql.DB: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("reserve lock connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("advisory lock %q: %w", key, err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}
	return &Lock{key: key, conn: conn}, true, nil
}

// Release unlocks the key and returns the connection to the pool.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	defer l.conn.Close()

	var released bool
	if err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock %q: %w", l.key, err)
	}
	l.conn = nil
	return nil
}

// Locker adapts TryAdvisoryLock to a run-level lock on one key.
type Locker struct {
	DB  *gorm.DB
	Key string
}

// TryLock returns a release func when the lock was taken.
func (l Locker) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	lock, ok, err := TryAdvisoryLock(ctx, l.DB, l.Key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return lock.Release, true, nil
}
