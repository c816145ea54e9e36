package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"

	"snackkiosk/backend/internal/leader"
)

var _ leader.Lock = (*AdvisoryLock)(nil)

// AdvisoryLock is a session-level pg advisory lock pinned to one pooled
// connection. Postgres drops it when that session ends, so a crashed holder
// frees the lock for its siblings.
type AdvisoryLock struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

func (s *Store) AdvisoryLock(id string) *AdvisoryLock {
	return &AdvisoryLock{db: s.db, key: leader.Key(id)}
}

func (l *AdvisoryLock) Key() int64 { return l.key }

func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		held, err := l.stillHeld(ctx)
		if err == nil && held {
			return true, nil
		}
		l.discard()
		if err != nil {
			return false, fmt.Errorf("reaffirm advisory lock %d: %w", l.key, err)
		}
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("try advisory lock %d: %w", l.key, err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// stillHeld checks pg_locks for this session. A bigint key is stored as
// classid (high 32 bits) and objid (low 32 bits) with objsubid 1.
func (l *AdvisoryLock) stillHeld(ctx context.Context) (bool, error) {
	high := int64(uint64(l.key) >> 32)
	low := int64(uint32(uint64(l.key)))
	var held bool
	err := l.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
				AND pid = pg_backend_pid()
				AND granted
				AND objsubid = 1
				AND classid::bigint = $1
				AND objid::bigint = $2
		)
	`, high, low).Scan(&held)
	return held, err
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}

	var released bool
	err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&released)
	if err != nil {
		l.discard()
		return fmt.Errorf("release advisory lock %d: %w", l.key, err)
	}
	_ = l.conn.Close()
	l.conn = nil
	return nil
}

// discard drops the session instead of returning it to the pool, which also
// ends any lock it still holds.
func (l *AdvisoryLock) discard() {
	if l.conn == nil {
		return
	}
	_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = l.conn.Close()
	l.conn = nil
}
