package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	_ "github.com/lib/pq"
)

// DatabaseService exposes the Postgres session advisory locks used by the
// postgres gate backend. No tables are read or written.
type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

// SlotLock is a held advisory lock pinned to its own connection. Session
// locks belong to the connection, so the connection stays checked out until
// Unlock.
type SlotLock struct {
	conn      *sql.Conn
	namespace int32
	slot      int32
}

// TryLockSlot attempts pg_try_advisory_lock(namespace, slot) without
// blocking. It returns nil, nil when the slot is taken.
func (d *DatabaseService) TryLockSlot(ctx context.Context, namespace, slot int32) (*SlotLock, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, namespace, slot).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, nil
	}
	return &SlotLock{conn: conn, namespace: namespace, slot: slot}, nil
}

// Unlock releases the advisory lock and returns the connection to the pool.
func (l *SlotLock) Unlock(ctx context.Context) error {
	defer l.conn.Close()

	var released bool
	if err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1, $2)`, l.namespace, l.slot).Scan(&released); err != nil {
		// Discard the physical connection; ending the session drops the lock.
		_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if !released {
		return fmt.Errorf("advisory lock (%d, %d) was not held", l.namespace, l.slot)
	}
	return nil
}

func (l *SlotLock) Slot() int32 {
	return l.slot
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}
