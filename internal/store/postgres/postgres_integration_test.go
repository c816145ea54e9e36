package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/fanout"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("SNACKKIOSK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SNACKKIOSK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedProduct(t *testing.T, s *Store, stock int, threshold int) string {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("it-%d", time.Now().UnixNano())

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM notification_log WHERE payload->>'productId' = $1`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	})
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price_cents) VALUES ($1, 'Integration Snack', 'test', 100)
	`, id); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_snapshots (product_id, low_stock_threshold) VALUES ($1, $2)
	`, id, threshold); err != nil {
		t.Fatalf("insert snapshot: %v", err)
	}
	if stock != 0 {
		if _, err := s.AppendLedgerEntry(ctx, domain.LedgerEntry{ProductID: id, Delta: stock, Source: domain.SourceSystem, Reason: "seed"}); err != nil {
			t.Fatalf("seed stock: %v", err)
		}
	}
	return id
}

func TestLedgerWritesSnapshotAndSingleAlert(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	id := seedProduct(t, s, 5, 3)

	first, err := s.AppendLedgerEntry(ctx, domain.LedgerEntry{ProductID: id, Delta: -2, Source: domain.SourceManualAdjustment, Reason: "damaged"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Snapshot.CurrentStock != 3 || first.Entry.ResultingQuantity != 3 || first.Alert == nil {
		t.Fatalf("expected stock 3 with an alert, got %+v", first)
	}

	// Still below the threshold: no new crossing, and the pending alert is not duplicated.
	if _, err := s.AppendLedgerEntry(ctx, domain.LedgerEntry{ProductID: id, Delta: -5, Source: domain.SourceManualAdjustment, Reason: "damaged"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.CurrentStock != -2 || !snap.IsNegativeStock {
		t.Fatalf("expected negative stock -2, got %+v", snap)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM notification_log WHERE payload->>'productId' = $1`, id).Scan(&count); err != nil {
		t.Fatalf("count alerts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one alert row, got %d", count)
	}
}

func TestDuplicateBreachesProduceOneRow(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	id := seedProduct(t, s, 0, 3)
	key := fmt.Sprintf("low_stock:%s:3", id)

	var wg sync.WaitGroup
	created := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.EnqueueNotification(ctx, domain.NotificationLogEntry{
				Type:      domain.NotificationTypeLowStock,
				DedupeKey: key,
				Payload:   map[string]any{"productId": id},
			})
			if err == nil {
				created <- ok
			}
		}()
	}
	wg.Wait()
	close(created)

	inserted := 0
	for ok := range created {
		if ok {
			inserted++
		}
	}
	if inserted != 1 {
		t.Fatalf("expected exactly one insert, got %d", inserted)
	}
}

func TestPurchaseIsIdempotentAndSkipsLedgerWhenUntracked(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	id := seedProduct(t, s, 10, 2)
	key := fmt.Sprintf("idem-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM purchases WHERE idempotency_key LIKE $1`, key+"%")
		_, _ = s.SetTrackingEnabled(ctx, true)
	})

	purchase := domain.Purchase{IdempotencyKey: key, Items: []domain.PurchaseItem{{ProductID: id, Qty: 2}, {ProductID: id, Qty: 1}}}
	first, err := s.ConfirmPurchase(ctx, purchase)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(first.Ledger) != 1 || first.Ledger[0].Snapshot.CurrentStock != 7 {
		t.Fatalf("expected merged line leaving 7, got %+v", first.Ledger)
	}
	replay, err := s.ConfirmPurchase(ctx, purchase)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed || replay.Purchase.ID != first.Purchase.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Purchase.ID, replay)
	}

	if _, err := s.SetTrackingEnabled(ctx, false); err != nil {
		t.Fatalf("disable tracking: %v", err)
	}
	untracked, err := s.ConfirmPurchase(ctx, domain.Purchase{IdempotencyKey: key + "-b", Items: []domain.PurchaseItem{{ProductID: id, Qty: 1}}})
	if err != nil {
		t.Fatalf("confirm untracked: %v", err)
	}
	if untracked.TrackingEnabled || len(untracked.Ledger) != 0 {
		t.Fatalf("expected no ledger writes while untracked, got %+v", untracked)
	}
	entries, err := s.ListLedger(ctx, id, 10)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected seed and one purchase entry, got %d", len(entries))
	}
}

func TestRecordAttemptGuardsAttemptCount(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	id := seedProduct(t, s, 0, 3)

	entry, _, err := s.EnqueueNotification(ctx, domain.NotificationLogEntry{
		Type:      domain.NotificationTypeLowStock,
		DedupeKey: fmt.Sprintf("low_stock:%s:3", id),
		Payload:   map[string]any{"productId": id},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now := time.Now().UTC()
	next := entry
	next.Attempts = 1
	next.LastAttemptAt = &now
	next.NextAttemptAt = now.Add(time.Minute)
	next.ErrorDetail = "smtp down"
	if err := s.RecordAttempt(ctx, next, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordAttempt(ctx, next, 0); err == nil {
		t.Fatalf("expected stale attempt to conflict")
	}
}

func TestAdvisoryLockIsExclusive(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	lockID := fmt.Sprintf("it-lock-%d", time.Now().UnixNano())
	a := s.AdvisoryLock(lockID)
	b := s.AdvisoryLock(lockID)

	if ok, err := a.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("expected a to acquire, got %v %v", ok, err)
	}
	if ok, err := a.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("expected a to reaffirm, got %v %v", ok, err)
	}
	if ok, _ := b.TryAcquire(ctx); ok {
		t.Fatalf("expected b to be refused")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.TryAcquire(ctx); !ok {
		t.Fatalf("expected b to acquire after release")
	}
	_ = b.Release(ctx)
}

func TestNotifyTransportRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	transport := s.NotifyTransport(fmt.Sprintf("it_events_%d", time.Now().UnixNano()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan fanout.Message, 1)
	go func() {
		_ = transport.Listen(ctx, func(_ context.Context, msg fanout.Message) { got <- msg })
	}()

	deadline := time.After(5 * time.Second)
	for {
		if err := transport.Publish(ctx, fanout.Message{Kind: fanout.KindStatusRefresh, Origin: "it"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case msg := <-got:
			if msg.Kind != fanout.KindStatusRefresh || msg.Origin != "it" {
				t.Fatalf("unexpected message %+v", msg)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no notification received")
		}
	}
}
