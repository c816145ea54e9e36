package store

import (
	"context"
	"errors"
	"time"

	"snackkiosk/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict means the row changed underneath the caller (for example a
	// notification already advanced by another attempt).
	ErrConflict = errors.New("conflict")
)

type Catalog interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (domain.Product, error)
}

// Ledger is the append-only stock log and its derived snapshot. Every write
// commits the ledger row, the snapshot change and any breach notification
// together.
type Ledger interface {
	AppendLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error)
	// Reconcile records the difference between a physical count and the
	// current snapshot as a reconciliation entry.
	Reconcile(ctx context.Context, productID string, counted int, reason string, actor *string) (domain.LedgerResult, error)
	// ConfirmPurchase records the purchase and, while tracking is enabled,
	// one purchase ledger entry per item. Replays of the same idempotency key
	// return the original result.
	ConfirmPurchase(ctx context.Context, purchase domain.Purchase) (domain.PurchaseResult, error)
	// RefreshSnapshot recomputes every snapshot from the ledger.
	RefreshSnapshot(ctx context.Context) ([]domain.InventorySnapshot, error)
	GetSnapshot(ctx context.Context, productID string) (domain.InventorySnapshot, error)
	ListSnapshots(ctx context.Context) ([]domain.InventorySnapshot, error)
	ListLedger(ctx context.Context, productID string, limit int) ([]domain.LedgerEntry, error)
}

type Notifications interface {
	// EnqueueNotification inserts entry unless a pending entry with the same
	// dedupe key exists, in which case that entry is returned with created=false.
	EnqueueNotification(ctx context.Context, entry domain.NotificationLogEntry) (domain.NotificationLogEntry, bool, error)
	ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.NotificationLogEntry, error)
	// RecordAttempt persists the outcome of one delivery attempt. It returns
	// ErrConflict unless the stored row is still pending with previousAttempts attempts.
	RecordAttempt(ctx context.Context, entry domain.NotificationLogEntry, previousAttempts int) error
	ListNotifications(ctx context.Context, status string, limit int) ([]domain.NotificationLogEntry, error)
}

type Settings interface {
	// GetOperatingConfig returns ErrNotFound until a configuration is saved.
	GetOperatingConfig(ctx context.Context) (domain.RawOperatingConfig, error)
	SaveOperatingConfig(ctx context.Context, cfg domain.RawOperatingConfig) (domain.RawOperatingConfig, error)
	TrackingState(ctx context.Context) (domain.TrackingState, error)
	SetTrackingEnabled(ctx context.Context, enabled bool) (domain.TrackingState, error)
}

type Users interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Catalog
	Ledger
	Notifications
	Settings
	Users
}
