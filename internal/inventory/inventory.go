// Package inventory holds the ledger and snapshot rules shared by the store
// implementations.
package inventory

import (
	"fmt"
	"strings"
	"time"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/store"
)

var validSources = map[string]bool{
	domain.SourcePurchase:         true,
	domain.SourceManualAdjustment: true,
	domain.SourceReconciliation:   true,
	domain.SourceSystem:           true,
}

// ValidateEntry checks an entry before it is appended. Only reconciliation
// entries may carry a zero delta (a count that matched the books).
func ValidateEntry(entry domain.LedgerEntry) error {
	if strings.TrimSpace(entry.ProductID) == "" {
		return fmt.Errorf("%w: product id is required", store.ErrInvalidInput)
	}
	if !validSources[entry.Source] {
		return fmt.Errorf("%w: unknown ledger source %q", store.ErrInvalidInput, entry.Source)
	}
	if entry.Delta == 0 && entry.Source != domain.SourceReconciliation {
		return fmt.Errorf("%w: delta must not be zero", store.ErrInvalidInput)
	}
	return nil
}

// Apply appends entry on top of prev. Stock may go negative.
func Apply(prev domain.InventorySnapshot, entry domain.LedgerEntry, at time.Time) (domain.InventorySnapshot, domain.LedgerEntry) {
	next := prev
	next.CurrentStock = prev.CurrentStock + entry.Delta
	activity := at.UTC()
	next.LastActivityAt = &activity
	next = Evaluate(next)

	entry.ResultingQuantity = next.CurrentStock
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = activity
	}
	return next, entry
}

// Evaluate recomputes the derived flags of s.
func Evaluate(s domain.InventorySnapshot) domain.InventorySnapshot {
	s.IsNegativeStock = s.CurrentStock < 0
	s.IsLowStock = s.LowStockThreshold != nil && s.CurrentStock <= *s.LowStockThreshold
	return s
}

func StockStatus(s domain.InventorySnapshot) string {
	switch {
	case !s.TrackingEnabled:
		return domain.StockUntracked
	case s.CurrentStock <= 0:
		return domain.StockOut
	case s.IsLowStock:
		return domain.StockLow
	default:
		return domain.StockInStock
	}
}

// Crossed reports whether moving from prev to next breached the low-stock threshold.
func Crossed(prev, next domain.InventorySnapshot) bool {
	if next.LowStockThreshold == nil {
		return false
	}
	threshold := *next.LowStockThreshold
	return prev.CurrentStock > threshold && next.CurrentStock <= threshold
}

func DedupeKey(productID string, threshold int) string {
	return fmt.Sprintf("%s:%s:%d", domain.NotificationTypeLowStock, productID, threshold)
}

// LowStockAlert builds the pending notification for a threshold breach.
func LowStockAlert(id string, product domain.Product, s domain.InventorySnapshot, now time.Time) domain.NotificationLogEntry {
	threshold := 0
	if s.LowStockThreshold != nil {
		threshold = *s.LowStockThreshold
	}
	now = now.UTC()
	return domain.NotificationLogEntry{
		ID:        id,
		Type:      domain.NotificationTypeLowStock,
		DedupeKey: DedupeKey(s.ProductID, threshold),
		Payload: map[string]any{
			"productId":    s.ProductID,
			"productName":  product.Name,
			"currentStock": s.CurrentStock,
			"threshold":    threshold,
		},
		Status:        domain.NotificationPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// UpdatePayload renders s as the loosely typed map the event bus normalizes.
func UpdatePayload(s domain.InventorySnapshot) map[string]any {
	payload := map[string]any{
		"productId":       s.ProductID,
		"stockQuantity":   s.CurrentStock,
		"isLowStock":      s.IsLowStock,
		"isOutOfStock":    s.TrackingEnabled && s.CurrentStock <= 0,
		"isNegativeStock": s.IsNegativeStock,
		"stockStatus":     StockStatus(s),
		"trackingEnabled": s.TrackingEnabled,
	}
	if s.LowStockThreshold != nil {
		payload["lowStockThreshold"] = *s.LowStockThreshold
	}
	if s.LastActivityAt != nil {
		payload["updatedAt"] = s.LastActivityAt.UTC().Format(time.RFC3339Nano)
	}
	return payload
}

// FeedProduct merges a catalog product with its snapshot for the product feed.
// Untracked products are always available.
func FeedProduct(p domain.Product, s domain.InventorySnapshot, tracking bool) domain.FeedProduct {
	s.TrackingEnabled = tracking
	out := domain.FeedProduct{
		Product:           p,
		LowStockThreshold: s.LowStockThreshold,
		StockStatus:       StockStatus(s),
	}
	if tracking {
		qty := s.CurrentStock
		out.StockQuantity = &qty
		out.IsLowStock = s.IsLowStock
		out.IsOutOfStock = s.CurrentStock <= 0
	}
	out.Available = p.Active && !out.IsOutOfStock
	return out
}
