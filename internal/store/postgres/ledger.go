package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	json "github.com/goccy/go-json"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/inventory"
	"snackkiosk/backend/internal/store"
	"snackkiosk/backend/internal/xid"
)

const snapshotColumns = `s.product_id, s.current_stock, s.low_stock_threshold, s.last_activity_at`

func (s *Store) AppendLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error) {
	if err := inventory.ValidateEntry(entry); err != nil {
		return domain.LedgerResult{}, err
	}

	var result domain.LedgerResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		tracking, err := trackingEnabledTx(ctx, tx)
		if err != nil {
			return err
		}
		product, prev, err := lockSnapshot(ctx, tx, entry.ProductID)
		if err != nil {
			return err
		}
		result, err = s.appendTx(ctx, tx, product, prev, entry, tracking)
		return err
	})
	return result, err
}

func (s *Store) Reconcile(ctx context.Context, productID string, counted int, reason string, actor *string) (domain.LedgerResult, error) {
	var result domain.LedgerResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		tracking, err := trackingEnabledTx(ctx, tx)
		if err != nil {
			return err
		}
		product, prev, err := lockSnapshot(ctx, tx, productID)
		if err != nil {
			return err
		}
		entry := domain.LedgerEntry{
			ProductID: productID,
			Delta:     counted - prev.CurrentStock,
			Source:    domain.SourceReconciliation,
			Reason:    reason,
			Actor:     actor,
			Metadata:  map[string]any{"countedQuantity": counted, "previousQuantity": prev.CurrentStock},
		}
		if err := inventory.ValidateEntry(entry); err != nil {
			return err
		}
		result, err = s.appendTx(ctx, tx, product, prev, entry, tracking)
		return err
	})
	return result, err
}

func (s *Store) ConfirmPurchase(ctx context.Context, purchase domain.Purchase) (domain.PurchaseResult, error) {
	key := strings.TrimSpace(purchase.IdempotencyKey)
	if key == "" || len(purchase.Items) == 0 {
		return domain.PurchaseResult{}, fmt.Errorf("%w: idempotency key and items are required", store.ErrInvalidInput)
	}
	for _, item := range purchase.Items {
		if item.Qty < 1 {
			return domain.PurchaseResult{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
		}
	}
	items := mergeItems(purchase.Items)
	purchase.IdempotencyKey = key
	if purchase.ID == "" {
		purchase.ID = xid.New("pur")
	}

	var result domain.PurchaseResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, found, err := findPurchase(ctx, tx, key)
		if err != nil {
			return err
		}
		if found {
			result = existing
			return nil
		}

		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ProductID)
		}
		if err := requireActiveProducts(ctx, tx, ids); err != nil {
			return err
		}

		tracking, err := trackingEnabledTx(ctx, tx)
		if err != nil {
			return err
		}
		purchase.CreatedAt = s.now()
		result = domain.PurchaseResult{Purchase: purchase, TrackingEnabled: tracking}
		if tracking {
			for _, item := range items {
				product, prev, err := lockSnapshot(ctx, tx, item.ProductID)
				if err != nil {
					return err
				}
				written, err := s.appendTx(ctx, tx, product, prev, domain.LedgerEntry{
					ProductID: item.ProductID,
					Delta:     -item.Qty,
					Source:    domain.SourcePurchase,
					Reason:    "purchase",
					Metadata:  map[string]any{"purchaseId": purchase.ID},
				}, tracking)
				if err != nil {
					return err
				}
				result.Ledger = append(result.Ledger, written)
			}
		}

		encoded, err := json.Marshal(result)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchases (id, idempotency_key, tracking_enabled, result, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, purchase.ID, key, tracking, encoded, purchase.CreatedAt)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		// A concurrent request with the same key committed first.
		existing, found, lookupErr := findPurchase(ctx, s.db, key)
		if lookupErr == nil && found {
			return existing, nil
		}
	}
	return result, err
}

// mergeItems sums duplicate lines and orders them by product id so
// concurrent purchases lock snapshot rows in the same order.
func mergeItems(items []domain.PurchaseItem) []domain.PurchaseItem {
	byProduct := make(map[string]int, len(items))
	for _, item := range items {
		byProduct[item.ProductID] += item.Qty
	}
	out := make([]domain.PurchaseItem, 0, len(byProduct))
	for _, id := range slices.Sorted(maps.Keys(byProduct)) {
		out = append(out, domain.PurchaseItem{ProductID: id, Qty: byProduct[id]})
	}
	return out
}

func findPurchase(ctx context.Context, q querier, key string) (domain.PurchaseResult, bool, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `SELECT result FROM purchases WHERE idempotency_key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PurchaseResult{}, false, nil
	}
	if err != nil {
		return domain.PurchaseResult{}, false, err
	}
	var result domain.PurchaseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.PurchaseResult{}, false, fmt.Errorf("decode stored purchase %s: %w", key, err)
	}
	result.Replayed = true
	return result, true, nil
}

func requireActiveProducts(ctx context.Context, tx *sql.Tx, ids []string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM products WHERE active = true AND id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if !found[id] {
			return fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
	}
	return nil
}

// lockSnapshot returns the product and its snapshot row, creating the row if
// needed, and holds the row lock until the transaction ends.
func lockSnapshot(ctx context.Context, tx *sql.Tx, productID string) (domain.Product, domain.InventorySnapshot, error) {
	product, err := scanProduct(tx.QueryRowContext(ctx, `
		SELECT id, name, category, price_cents, image_url, active, updated_at
		FROM products
		WHERE id = $1
	`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.InventorySnapshot{}, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
		}
		return domain.Product{}, domain.InventorySnapshot{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_snapshots (product_id) VALUES ($1)
		ON CONFLICT (product_id) DO NOTHING
	`, productID); err != nil {
		return domain.Product{}, domain.InventorySnapshot{}, err
	}

	snap, err := scanSnapshot(tx.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM inventory_snapshots s
		WHERE s.product_id = $1
		FOR UPDATE
	`, productID))
	if err != nil {
		return domain.Product{}, domain.InventorySnapshot{}, err
	}
	return product, snap, nil
}

// appendTx writes entry on top of the locked snapshot prev and, when the
// write crosses the low-stock threshold, enqueues the deduplicated alert.
func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, product domain.Product, prev domain.InventorySnapshot, entry domain.LedgerEntry, tracking bool) (domain.LedgerResult, error) {
	if entry.ID == "" {
		entry.ID = xid.New("led")
	}
	now := s.now()
	prev.TrackingEnabled = tracking
	next, written := inventory.Apply(prev, entry, now)

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory_snapshots
		SET current_stock = $2, last_activity_at = $3, updated_at = now()
		WHERE product_id = $1
	`, next.ProductID, next.CurrentStock, nullTime(next.LastActivityAt)); err != nil {
		return domain.LedgerResult{}, err
	}

	metadata, err := encodeJSON(written.Metadata)
	if err != nil {
		return domain.LedgerResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_ledger (id, product_id, delta, resulting_quantity, source, reason, actor, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, written.ID, written.ProductID, written.Delta, written.ResultingQuantity, written.Source,
		written.Reason, written.Actor, metadata, written.CreatedAt); err != nil {
		return domain.LedgerResult{}, err
	}

	result := domain.LedgerResult{Entry: written, Snapshot: next}
	if tracking && inventory.Crossed(prev, next) {
		alert := inventory.LowStockAlert(xid.New("ntf"), product, next, now)
		stored, _, err := enqueue(ctx, tx, alert)
		if err != nil {
			return domain.LedgerResult{}, err
		}
		result.Alert = &stored
	}
	return result, nil
}

func (s *Store) RefreshSnapshot(ctx context.Context) ([]domain.InventorySnapshot, error) {
	var out []domain.InventorySnapshot
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_snapshots (product_id)
			SELECT id FROM products
			ON CONFLICT (product_id) DO NOTHING
		`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_snapshots s
			SET current_stock = COALESCE(l.total, 0),
				last_activity_at = COALESCE(l.last_at, s.last_activity_at),
				updated_at = now()
			FROM (
				SELECT p.id AS product_id, SUM(le.delta) AS total, MAX(le.created_at) AS last_at
				FROM products p
				LEFT JOIN inventory_ledger le ON le.product_id = p.id
				GROUP BY p.id
			) l
			WHERE s.product_id = l.product_id
		`); err != nil {
			return err
		}
		tracking, err := trackingEnabledTx(ctx, tx)
		if err != nil {
			return err
		}
		out, err = listSnapshots(ctx, tx, tracking)
		return err
	})
	return out, err
}

func (s *Store) GetSnapshot(ctx context.Context, productID string) (domain.InventorySnapshot, error) {
	tracking, err := trackingEnabledTx(ctx, s.db)
	if err != nil {
		return domain.InventorySnapshot{}, err
	}
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM inventory_snapshots s
		WHERE s.product_id = $1
	`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventorySnapshot{}, store.ErrNotFound
		}
		return domain.InventorySnapshot{}, err
	}
	snap.TrackingEnabled = tracking
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]domain.InventorySnapshot, error) {
	tracking, err := trackingEnabledTx(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return listSnapshots(ctx, s.db, tracking)
}

func listSnapshots(ctx context.Context, q querier, tracking bool) ([]domain.InventorySnapshot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM inventory_snapshots s
		ORDER BY s.product_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.InventorySnapshot, 0, 64)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snap.TrackingEnabled = tracking
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row scanner) (domain.InventorySnapshot, error) {
	var snap domain.InventorySnapshot
	var threshold sql.NullInt64
	var lastActivity sql.NullTime
	if err := row.Scan(&snap.ProductID, &snap.CurrentStock, &threshold, &lastActivity); err != nil {
		return domain.InventorySnapshot{}, err
	}
	snap.LowStockThreshold = intPtr(threshold)
	snap.LastActivityAt = timePtr(lastActivity)
	return inventory.Evaluate(snap), nil
}

func (s *Store) ListLedger(ctx context.Context, productID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, delta, resulting_quantity, source, reason, actor, metadata, created_at
		FROM inventory_ledger
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, normalizeLimit(limit, 100))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.LedgerEntry, 0, 32)
	for rows.Next() {
		var entry domain.LedgerEntry
		var actor sql.NullString
		var metadata []byte
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.Delta, &entry.ResultingQuantity, &entry.Source,
			&entry.Reason, &actor, &metadata, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Actor = stringPtr(actor)
		entry.CreatedAt = entry.CreatedAt.UTC()
		if entry.Metadata, err = decodeJSON(metadata); err != nil {
			return nil, fmt.Errorf("decode ledger metadata %s: %w", entry.ID, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
