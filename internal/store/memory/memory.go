package memory

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/inventory"
	"snackkiosk/backend/internal/logging"
	"snackkiosk/backend/internal/store"
	"snackkiosk/backend/internal/xid"
)

// Store is a single-process Repository. The mutex plays the role of the
// database transaction: every write validates first and then applies fully.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	snapshots       map[string]domain.InventorySnapshot
	ledger          []domain.LedgerEntry
	purchasesByKey  map[string]domain.PurchaseResult
	notifications   map[string]domain.NotificationLogEntry
	operating       *domain.RawOperatingConfig
	tracking        domain.TrackingState
	usersByUsername map[string]domain.UserAccount
	now             func() time.Time
}

// New returns an empty store with inventory tracking enabled.
func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		snapshots:       make(map[string]domain.InventorySnapshot),
		ledger:          make([]domain.LedgerEntry, 0, 256),
		purchasesByKey:  make(map[string]domain.PurchaseResult),
		notifications:   make(map[string]domain.NotificationLogEntry),
		tracking:        domain.TrackingState{Enabled: true, UpdatedAt: time.Now().UTC()},
		usersByUsername: make(map[string]domain.UserAccount),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// seedUsers builds the admin account for dev/demo mode. The password comes
// from SEED_ADMIN_PASSWORD, falling back to a dev default with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" {
		logging.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD to override")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPwd), bcrypt.DefaultCost)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to hash seed password")
	}
	return map[string]domain.UserAccount{
		"admin": {
			Username:  "admin",
			Password:  string(hash),
			Role:      "admin",
			Active:    true,
			CreatedAt: time.Now().UTC(),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type seedProduct struct {
	product   domain.Product
	stock     int
	threshold int
}

// NewSeeded returns a store with a demo snack catalog, opening stock written
// through the ledger, and an admin user.
func NewSeeded() *Store {
	s := New()
	now := s.now()
	seeds := []seedProduct{
		{domain.Product{ID: "chips-sea-salt", Name: "Sea Salt Chips", Category: "chips", PriceCents: 250}, 24, 5},
		{domain.Product{ID: "chips-bbq", Name: "BBQ Chips", Category: "chips", PriceCents: 250}, 24, 5},
		{domain.Product{ID: "choc-bar", Name: "Dark Chocolate Bar", Category: "sweets", PriceCents: 300}, 30, 6},
		{domain.Product{ID: "gummy-bears", Name: "Gummy Bears", Category: "sweets", PriceCents: 220}, 18, 4},
		{domain.Product{ID: "granola-bar", Name: "Granola Bar", Category: "healthy", PriceCents: 280}, 20, 5},
		{domain.Product{ID: "trail-mix", Name: "Trail Mix", Category: "healthy", PriceCents: 350}, 12, 3},
		{domain.Product{ID: "sparkling-water", Name: "Sparkling Water", Category: "drinks", PriceCents: 180}, 36, 8},
		{domain.Product{ID: "cold-brew", Name: "Cold Brew Can", Category: "drinks", PriceCents: 400}, 16, 4},
	}
	for _, seed := range seeds {
		p := seed.product
		p.Active = true
		p.UpdatedAt = now
		s.products[p.ID] = p

		threshold := seed.threshold
		snap := domain.InventorySnapshot{ProductID: p.ID, LowStockThreshold: &threshold}
		snap, entry := inventory.Apply(snap, domain.LedgerEntry{
			ID:        xid.New("led"),
			ProductID: p.ID,
			Delta:     seed.stock,
			Source:    domain.SourceSystem,
			Reason:    "opening stock",
		}, now)
		s.snapshots[p.ID] = snap
		s.ledger = append(s.ledger, entry)
	}
	s.usersByUsername = seedUsers()
	return s
}

// AddProduct registers a catalog product with an empty snapshot.
func (s *Store) AddProduct(p domain.Product, threshold *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.products[p.ID] = p
	if _, ok := s.snapshots[p.ID]; !ok {
		s.snapshots[p.ID] = inventory.Evaluate(domain.InventorySnapshot{ProductID: p.ID, LowStockThreshold: threshold})
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Category != products[j].Category {
			return products[i].Category < products[j].Category
		}
		return products[i].Name < products[j].Name
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) AppendLedgerEntry(_ context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error) {
	if err := inventory.ValidateEntry(entry); err != nil {
		return domain.LedgerResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[entry.ProductID]; !ok {
		return domain.LedgerResult{}, fmt.Errorf("product %s: %w", entry.ProductID, store.ErrNotFound)
	}
	return s.appendLocked(entry), nil
}

func (s *Store) Reconcile(_ context.Context, productID string, counted int, reason string, actor *string) (domain.LedgerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return domain.LedgerResult{}, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	current := s.snapshots[productID].CurrentStock
	entry := domain.LedgerEntry{
		ProductID: productID,
		Delta:     counted - current,
		Source:    domain.SourceReconciliation,
		Reason:    reason,
		Actor:     actor,
		Metadata:  map[string]any{"countedQuantity": counted, "previousQuantity": current},
	}
	if err := inventory.ValidateEntry(entry); err != nil {
		return domain.LedgerResult{}, err
	}
	return s.appendLocked(entry), nil
}

// appendLocked writes entry, updates the snapshot and enqueues a breach
// alert. Callers hold s.mu and have validated entry.
func (s *Store) appendLocked(entry domain.LedgerEntry) domain.LedgerResult {
	if entry.ID == "" {
		entry.ID = xid.New("led")
	}
	now := s.now()
	prev, ok := s.snapshots[entry.ProductID]
	if !ok {
		prev = domain.InventorySnapshot{ProductID: entry.ProductID}
	}
	prev.TrackingEnabled = s.tracking.Enabled

	next, written := inventory.Apply(prev, entry, now)
	s.snapshots[entry.ProductID] = next
	s.ledger = append(s.ledger, written)

	result := domain.LedgerResult{Entry: written, Snapshot: next}
	if next.TrackingEnabled && inventory.Crossed(prev, next) {
		alert := inventory.LowStockAlert(xid.New("ntf"), s.products[entry.ProductID], next, now)
		stored, _ := s.enqueueLocked(alert)
		result.Alert = &stored
	}
	return result
}

func (s *Store) ConfirmPurchase(_ context.Context, purchase domain.Purchase) (domain.PurchaseResult, error) {
	key := strings.TrimSpace(purchase.IdempotencyKey)
	if key == "" || len(purchase.Items) == 0 {
		return domain.PurchaseResult{}, fmt.Errorf("%w: idempotency key and items are required", store.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.purchasesByKey[key]; ok {
		existing.Replayed = true
		return existing, nil
	}
	for _, item := range purchase.Items {
		p, ok := s.products[item.ProductID]
		if !ok || !p.Active {
			return domain.PurchaseResult{}, fmt.Errorf("product %s: %w", item.ProductID, store.ErrNotFound)
		}
		if item.Qty < 1 {
			return domain.PurchaseResult{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
		}
	}

	if purchase.ID == "" {
		purchase.ID = xid.New("pur")
	}
	purchase.IdempotencyKey = key
	purchase.CreatedAt = s.now()

	result := domain.PurchaseResult{Purchase: purchase, TrackingEnabled: s.tracking.Enabled}
	if s.tracking.Enabled {
		for _, item := range sortedItems(purchase.Items) {
			result.Ledger = append(result.Ledger, s.appendLocked(domain.LedgerEntry{
				ProductID: item.ProductID,
				Delta:     -item.Qty,
				Source:    domain.SourcePurchase,
				Reason:    "purchase",
				Metadata:  map[string]any{"purchaseId": purchase.ID},
			}))
		}
	}
	s.purchasesByKey[key] = result
	return result, nil
}

// sortedItems merges duplicate lines and orders them by product id, the same
// lock order the postgres store uses.
func sortedItems(items []domain.PurchaseItem) []domain.PurchaseItem {
	byProduct := make(map[string]int, len(items))
	for _, item := range items {
		byProduct[item.ProductID] += item.Qty
	}
	ids := slices.Sorted(maps.Keys(byProduct))
	out := make([]domain.PurchaseItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.PurchaseItem{ProductID: id, Qty: byProduct[id]})
	}
	return out
}

func (s *Store) RefreshSnapshot(_ context.Context) ([]domain.InventorySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := make(map[string]int, len(s.snapshots))
	lastActivity := make(map[string]time.Time, len(s.snapshots))
	for _, entry := range s.ledger {
		totals[entry.ProductID] += entry.Delta
		if entry.CreatedAt.After(lastActivity[entry.ProductID]) {
			lastActivity[entry.ProductID] = entry.CreatedAt
		}
	}
	for id, snap := range s.snapshots {
		snap.CurrentStock = totals[id]
		if at, ok := lastActivity[id]; ok {
			at := at
			snap.LastActivityAt = &at
		}
		s.snapshots[id] = inventory.Evaluate(snap)
	}
	return s.listSnapshotsLocked(), nil
}

func (s *Store) GetSnapshot(_ context.Context, productID string) (domain.InventorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[productID]
	if !ok {
		return domain.InventorySnapshot{}, store.ErrNotFound
	}
	snap.TrackingEnabled = s.tracking.Enabled
	return snap, nil
}

func (s *Store) ListSnapshots(_ context.Context) ([]domain.InventorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSnapshotsLocked(), nil
}

func (s *Store) listSnapshotsLocked() []domain.InventorySnapshot {
	out := make([]domain.InventorySnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		snap.TrackingEnabled = s.tracking.Enabled
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func (s *Store) ListLedger(_ context.Context, productID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.LedgerEntry, 0, limit)
	for i := len(s.ledger) - 1; i >= 0; i-- {
		entry := s.ledger[i]
		if productID != "" && entry.ProductID != productID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) EnqueueNotification(_ context.Context, entry domain.NotificationLogEntry) (domain.NotificationLogEntry, bool, error) {
	if strings.TrimSpace(entry.DedupeKey) == "" || entry.Type == "" {
		return domain.NotificationLogEntry{}, false, fmt.Errorf("%w: notification type and dedupe key are required", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, created := s.enqueueLocked(entry)
	return stored, created, nil
}

func (s *Store) enqueueLocked(entry domain.NotificationLogEntry) (domain.NotificationLogEntry, bool) {
	for _, existing := range s.notifications {
		if existing.Status == domain.NotificationPending && existing.DedupeKey == entry.DedupeKey {
			return existing, false
		}
	}
	now := s.now()
	if entry.ID == "" {
		entry.ID = xid.New("ntf")
	}
	entry.Status = domain.NotificationPending
	entry.Attempts = 0
	if entry.NextAttemptAt.IsZero() {
		entry.NextAttemptAt = now
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.Payload = maps.Clone(entry.Payload)
	s.notifications[entry.ID] = entry
	return entry, true
}

func (s *Store) ListDueNotifications(_ context.Context, now time.Time, limit int) ([]domain.NotificationLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]domain.NotificationLogEntry, 0)
	for _, n := range s.notifications {
		if n.Status == domain.NotificationPending && !n.NextAttemptAt.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) RecordAttempt(_ context.Context, entry domain.NotificationLogEntry, previousAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.notifications[entry.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Status != domain.NotificationPending || current.Attempts != previousAttempts {
		return store.ErrConflict
	}
	current.Status = entry.Status
	current.Attempts = entry.Attempts
	current.LastAttemptAt = entry.LastAttemptAt
	current.NextAttemptAt = entry.NextAttemptAt
	current.ErrorDetail = entry.ErrorDetail
	current.UpdatedAt = s.now()
	s.notifications[entry.ID] = current
	return nil
}

func (s *Store) ListNotifications(_ context.Context, status string, limit int) ([]domain.NotificationLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.NotificationLogEntry, 0, len(s.notifications))
	for _, n := range s.notifications {
		if status != "" && n.Status != status {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetOperatingConfig(_ context.Context) (domain.RawOperatingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.operating == nil {
		return domain.RawOperatingConfig{}, store.ErrNotFound
	}
	return *s.operating, nil
}

func (s *Store) SaveOperatingConfig(_ context.Context, cfg domain.RawOperatingConfig) (domain.RawOperatingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.UpdatedAt = s.now()
	s.operating = &cfg
	return cfg, nil
}

func (s *Store) TrackingState(_ context.Context) (domain.TrackingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracking, nil
}

func (s *Store) SetTrackingEnabled(_ context.Context, enabled bool) (domain.TrackingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracking = domain.TrackingState{Enabled: enabled, UpdatedAt: s.now()}
	return s.tracking, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.usersByUsername[username] = u
	return nil
}
