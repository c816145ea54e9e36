package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/store"
	"snackkiosk/backend/internal/xid"
)

const notificationColumns = `id, type, dedupe_key, payload, status, attempts, last_attempt_at, next_attempt_at, error_detail, created_at, updated_at`

func (s *Store) EnqueueNotification(ctx context.Context, entry domain.NotificationLogEntry) (domain.NotificationLogEntry, bool, error) {
	if strings.TrimSpace(entry.DedupeKey) == "" || entry.Type == "" {
		return domain.NotificationLogEntry{}, false, fmt.Errorf("%w: notification type and dedupe key are required", store.ErrInvalidInput)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	return enqueue(ctx, s.db, entry)
}

// enqueue inserts a pending entry unless one with the same dedupe key is
// already pending; the partial unique index makes the check atomic.
func enqueue(ctx context.Context, q querier, entry domain.NotificationLogEntry) (domain.NotificationLogEntry, bool, error) {
	if entry.ID == "" {
		entry.ID = xid.New("ntf")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.NextAttemptAt.IsZero() {
		entry.NextAttemptAt = entry.CreatedAt
	}
	payload, err := encodeJSON(entry.Payload)
	if err != nil {
		return domain.NotificationLogEntry{}, false, err
	}

	var id string
	err = q.QueryRowContext(ctx, `
		INSERT INTO notification_log (id, type, dedupe_key, payload, status, attempts, next_attempt_at, error_detail, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'pending',0,$5,'',$6,$6)
		ON CONFLICT (dedupe_key) WHERE status = 'pending' DO NOTHING
		RETURNING id
	`, entry.ID, entry.Type, entry.DedupeKey, payload, entry.NextAttemptAt, entry.CreatedAt).Scan(&id)
	if err == nil {
		entry.Status = domain.NotificationPending
		entry.Attempts = 0
		entry.UpdatedAt = entry.CreatedAt
		return entry, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.NotificationLogEntry{}, false, err
	}

	existing, err := scanNotification(q.QueryRowContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_log
		WHERE dedupe_key = $1 AND status = 'pending'
	`, entry.DedupeKey))
	if errors.Is(err, sql.ErrNoRows) {
		// The conflicting row was resolved between the insert and the read.
		return domain.NotificationLogEntry{}, false, fmt.Errorf("pending notification %s: %w", entry.DedupeKey, store.ErrConflict)
	}
	if err != nil {
		return domain.NotificationLogEntry{}, false, err
	}
	return existing, false, nil
}

func (s *Store) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.NotificationLogEntry, error) {
	return s.queryNotifications(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_log
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at, id
		LIMIT $2
	`, now, normalizeLimit(limit, 50))
}

// RecordAttempt is its own transaction: a crash mid-batch leaves every
// already recorded row advanced and the rest untouched.
func (s *Store) RecordAttempt(ctx context.Context, entry domain.NotificationLogEntry, previousAttempts int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_log
		SET status = $2, attempts = $3, last_attempt_at = $4, next_attempt_at = $5, error_detail = $6, updated_at = now()
		WHERE id = $1 AND status = 'pending' AND attempts = $7
	`, entry.ID, entry.Status, entry.Attempts, nullTime(entry.LastAttemptAt), entry.NextAttemptAt, entry.ErrorDetail, previousAttempts)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM notification_log WHERE id = $1)`, entry.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (s *Store) ListNotifications(ctx context.Context, status string, limit int) ([]domain.NotificationLogEntry, error) {
	return s.queryNotifications(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_log
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, status, normalizeLimit(limit, 100))
}

func (s *Store) queryNotifications(ctx context.Context, query string, args ...any) ([]domain.NotificationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.NotificationLogEntry, 0, 16)
	for rows.Next() {
		entry, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanNotification(row scanner) (domain.NotificationLogEntry, error) {
	var entry domain.NotificationLogEntry
	var payload []byte
	var lastAttempt sql.NullTime
	if err := row.Scan(&entry.ID, &entry.Type, &entry.DedupeKey, &payload, &entry.Status, &entry.Attempts,
		&lastAttempt, &entry.NextAttemptAt, &entry.ErrorDetail, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return domain.NotificationLogEntry{}, err
	}
	decoded, err := decodeJSON(payload)
	if err != nil {
		return domain.NotificationLogEntry{}, fmt.Errorf("decode notification payload %s: %w", entry.ID, err)
	}
	entry.Payload = decoded
	entry.LastAttemptAt = timePtr(lastAttempt)
	entry.NextAttemptAt = entry.NextAttemptAt.UTC()
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return entry, nil
}
