package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/store"
)

func threshold(v int) *int { return &v }

func TestPurchaseMergesLinesAndAllowsNegativeStock(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.AddProduct(domain.Product{ID: "chips", Name: "Chips", Active: true}, threshold(2))

	res, err := s.ConfirmPurchase(ctx, domain.Purchase{
		IdempotencyKey: "k1",
		Items:          []domain.PurchaseItem{{ProductID: "chips", Qty: 1}, {ProductID: "chips", Qty: 2}},
	})
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if len(res.Ledger) != 1 || res.Ledger[0].Entry.Delta != -3 {
		t.Fatalf("expected one merged entry of -3, got %+v", res.Ledger)
	}
	snap, _ := s.GetSnapshot(ctx, "chips")
	if snap.CurrentStock != -3 || !snap.IsNegativeStock {
		t.Fatalf("expected negative stock, got %+v", snap)
	}
}

func TestEnqueueSuppressesPendingDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()
	entry := domain.NotificationLogEntry{Type: domain.NotificationTypeLowStock, DedupeKey: "low_stock:chips:3"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := s.EnqueueNotification(ctx, entry); err == nil && ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected one row, got %d", created)
	}

	pending, _ := s.ListNotifications(ctx, domain.NotificationPending, 10)
	now := time.Now().UTC()
	sent := pending[0]
	sent.Status = domain.NotificationSent
	sent.Attempts = 1
	sent.LastAttemptAt = &now
	if err := s.RecordAttempt(ctx, sent, 0); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if _, ok, _ := s.EnqueueNotification(ctx, entry); !ok {
		t.Fatalf("expected a new row once the previous one left pending")
	}
	if err := s.RecordAttempt(ctx, sent, 0); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale attempt, got %v", err)
	}
}

func TestRefreshSnapshotRecomputesFromLedger(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.AddProduct(domain.Product{ID: "water", Name: "Water", Active: true}, nil)
	for _, d := range []int{10, -4, 2} {
		if _, err := s.AppendLedgerEntry(ctx, domain.LedgerEntry{ProductID: "water", Delta: d, Source: domain.SourceManualAdjustment}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	s.mu.Lock()
	corrupt := s.snapshots["water"]
	corrupt.CurrentStock = 99
	s.snapshots["water"] = corrupt
	s.mu.Unlock()

	snaps, err := s.RefreshSnapshot(ctx)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(snaps) != 1 || snaps[0].CurrentStock != 8 {
		t.Fatalf("expected stock 8 after refresh, got %+v", snaps)
	}
}

func TestAppendRejectsUnknownProduct(t *testing.T) {
	s := New()
	_, err := s.AppendLedgerEntry(context.Background(), domain.LedgerEntry{ProductID: "ghost", Delta: 1, Source: domain.SourceSystem})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
