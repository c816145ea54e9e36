package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"

	"snackkiosk/backend/internal/cache"
	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/fanout"
	"snackkiosk/backend/internal/inventory"
	"snackkiosk/backend/internal/logging"
	"snackkiosk/backend/internal/metrics"
	"snackkiosk/backend/internal/status"
	"snackkiosk/backend/internal/store"
)

// ErrForbidden is returned when an admin operation runs without an admin actor.
var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Publisher announces committed changes to every instance's event bus.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

type Options struct {
	// DefaultTimezone applies when the stored operating config has none.
	DefaultTimezone string
	FeedCacheTTL    time.Duration
	Now             func() time.Time
}

type Service struct {
	repo      store.Repository
	feedCache cache.FeedCache
	publisher Publisher
	opts      Options
}

func New(repo store.Repository, feedCache cache.FeedCache, publisher Publisher, opts Options) *Service {
	if feedCache == nil {
		feedCache = cache.NoopFeedCache{}
	}
	if strings.TrimSpace(opts.DefaultTimezone) == "" {
		opts.DefaultTimezone = status.FallbackTimezone
	}
	if opts.FeedCacheTTL <= 0 {
		opts.FeedCacheTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:      repo,
		feedCache: feedCache,
		publisher: publisher,
		opts:      opts,
	}
}

// CurrentStatus evaluates the operating configuration at the current time.
// It never fails: an unreadable configuration falls back to the default schedule.
func (s *Service) CurrentStatus(ctx context.Context) domain.KioskStatus {
	return status.Compute(s.operatingConfig(ctx), s.opts.Now())
}

func (s *Service) operatingConfig(ctx context.Context) domain.OperatingConfig {
	raw, err := s.repo.GetOperatingConfig(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Warn().Err(err).Msg("operating config unavailable, using default schedule")
		}
		raw = status.DefaultRawConfig(s.opts.DefaultTimezone)
	}
	return status.Load(raw, s.opts.DefaultTimezone)
}

// ProductFeed returns the catalog with stock flags and the current status.
// Only a failed product list read is an error.
func (s *Service) ProductFeed(ctx context.Context) (domain.ProductFeed, error) {
	catalog, err := s.feedCatalog(ctx)
	if err != nil {
		return domain.ProductFeed{}, err
	}
	now := s.opts.Now()
	cfg := s.operatingConfig(ctx)
	current := status.Compute(cfg, now)
	fingerprint := status.Fingerprint(current)

	// The body carries the status, so the date validator must move whenever
	// the status can have changed, not only when the catalog did.
	lastModified := catalog.LastModified
	if changed := status.LastTransition(cfg, now); changed.After(lastModified) {
		lastModified = changed
	}

	return domain.ProductFeed{
		InventoryTrackingEnabled: catalog.TrackingEnabled,
		Status:                   current,
		StatusFingerprint:        fingerprint,
		Products:                 catalog.Products,
		GeneratedAt:              now,
		ETag:                     feedETag(catalog, fingerprint),
		LastModified:             lastModified.UTC().Truncate(time.Second),
	}, nil
}

func (s *Service) feedCatalog(ctx context.Context) (domain.FeedCatalog, error) {
	cached, ok, err := s.feedCache.Get(ctx, cache.FeedKey)
	if err != nil {
		logging.Warn().Err(err).Msg("feed cache read failed")
	}
	if ok && cached != nil {
		return *cached, nil
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.FeedCatalog{}, fmt.Errorf("list products: %w", err)
	}

	degraded := false
	tracking, err := s.repo.TrackingState(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("tracking state unavailable, serving feed untracked")
		tracking = domain.TrackingState{}
		degraded = true
	}
	snapshots := map[string]domain.InventorySnapshot{}
	if list, err := s.repo.ListSnapshots(ctx); err != nil {
		logging.Warn().Err(err).Msg("snapshots unavailable, serving feed untracked")
		tracking.Enabled = false
		degraded = true
	} else {
		for _, snap := range list {
			snapshots[snap.ProductID] = snap
		}
	}

	catalog := domain.FeedCatalog{
		TrackingEnabled: tracking.Enabled,
		Products:        make([]domain.FeedProduct, 0, len(products)),
		LastModified:    tracking.UpdatedAt,
	}
	for _, p := range products {
		snap, ok := snapshots[p.ID]
		if !ok {
			snap = domain.InventorySnapshot{ProductID: p.ID}
		}
		catalog.Products = append(catalog.Products, inventory.FeedProduct(p, snap, tracking.Enabled))
		if p.UpdatedAt.After(catalog.LastModified) {
			catalog.LastModified = p.UpdatedAt
		}
		if snap.LastActivityAt != nil && snap.LastActivityAt.After(catalog.LastModified) {
			catalog.LastModified = *snap.LastActivityAt
		}
	}
	if catalog.LastModified.IsZero() {
		catalog.LastModified = s.opts.Now()
	}
	catalog.LastModified = catalog.LastModified.UTC().Truncate(time.Second)

	if !degraded {
		if err := s.feedCache.Set(ctx, cache.FeedKey, &catalog, s.opts.FeedCacheTTL); err != nil {
			logging.Warn().Err(err).Msg("feed cache write failed")
		}
	}
	return catalog, nil
}

// feedETag hashes everything the feed body depends on except generatedAt.
func feedETag(catalog domain.FeedCatalog, fingerprint string) string {
	raw, err := json.Marshal(catalog)
	if err != nil {
		return ""
	}
	h := xxhash.New()
	_, _ = h.Write(raw)
	_, _ = h.WriteString(fingerprint)
	return fmt.Sprintf("\"%016x\"", h.Sum64())
}

// ConfirmPurchase records a kiosk purchase. Replays of a known idempotency
// key return the stored result without publishing again.
func (s *Service) ConfirmPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.PurchaseResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" || len(req.Items) == 0 {
		return domain.PurchaseResult{}, fmt.Errorf("%w: idempotency key and items are required", store.ErrInvalidInput)
	}
	for i, item := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(item.ProductID)
		if req.Items[i].ProductID == "" || item.Qty < 1 {
			return domain.PurchaseResult{}, fmt.Errorf("%w: item %d needs a product and a positive quantity", store.ErrInvalidInput, i)
		}
	}

	result, err := s.repo.ConfirmPurchase(ctx, domain.Purchase{
		IdempotencyKey: req.IdempotencyKey,
		Items:          req.Items,
	})
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	if result.Replayed {
		return result, nil
	}
	for _, written := range result.Ledger {
		s.afterLedgerWrite(ctx, written)
	}
	if len(result.Ledger) == 0 {
		logging.Debug().Str("purchase_id", result.Purchase.ID).Msg("purchase recorded without stock movement")
	}
	return result, nil
}

// AdjustStock appends a manual adjustment for the acting admin.
func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustmentRequest) (domain.LedgerResult, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.LedgerResult{}, err
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return domain.LedgerResult{}, fmt.Errorf("%w: reason is required", store.ErrInvalidInput)
	}

	username := actor.Username
	written, err := s.repo.AppendLedgerEntry(ctx, domain.LedgerEntry{
		ProductID: req.ProductID,
		Delta:     req.Delta,
		Source:    domain.SourceManualAdjustment,
		Reason:    req.Reason,
		Actor:     &username,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return domain.LedgerResult{}, err
	}
	s.afterLedgerWrite(ctx, written)
	return written, nil
}

// Reconcile books the difference between a physical count and the snapshot.
func (s *Service) Reconcile(ctx context.Context, req domain.ReconciliationRequest) (domain.LedgerResult, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.LedgerResult{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "physical count"
	}
	username := actor.Username
	written, err := s.repo.Reconcile(ctx, strings.TrimSpace(req.ProductID), req.CountedQuantity, reason, &username)
	if err != nil {
		return domain.LedgerResult{}, err
	}
	s.afterLedgerWrite(ctx, written)
	return written, nil
}

// RefreshSnapshots rebuilds every snapshot from the ledger and republishes them.
func (s *Service) RefreshSnapshots(ctx context.Context) ([]domain.InventorySnapshot, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	snapshots, err := s.repo.RefreshSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.invalidateFeed(ctx)
	for _, snap := range snapshots {
		s.publish(ctx, fanout.KindInventory, inventory.UpdatePayload(snap))
	}
	logging.Info().Int("snapshots", len(snapshots)).Msg("inventory snapshots refreshed")
	return snapshots, nil
}

// SetTracking switches inventory tracking and republishes every product,
// since stock status changes with it.
func (s *Service) SetTracking(ctx context.Context, enabled bool) (domain.TrackingState, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.TrackingState{}, err
	}
	state, err := s.repo.SetTrackingEnabled(ctx, enabled)
	if err != nil {
		return domain.TrackingState{}, err
	}
	s.invalidateFeed(ctx)
	s.publish(ctx, fanout.KindTracking, state)

	snapshots, err := s.repo.ListSnapshots(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("snapshots unavailable after tracking change")
	}
	for _, snap := range snapshots {
		snap.TrackingEnabled = state.Enabled
		s.publish(ctx, fanout.KindInventory, inventory.UpdatePayload(snap))
	}
	logging.Info().Bool("enabled", state.Enabled).Str("actor", actor.Username).Msg("inventory tracking changed")
	return state, nil
}

func (s *Service) TrackingState(ctx context.Context) (domain.TrackingState, error) {
	return s.repo.TrackingState(ctx)
}

// GetOperatingConfig returns the configuration as the status engine sees it.
func (s *Service) GetOperatingConfig(ctx context.Context) (domain.OperatingConfig, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.OperatingConfig{}, err
	}
	return s.operatingConfig(ctx), nil
}

// UpdateOperatingConfig stores a new schedule. Unlike stored data, admin
// input is rejected rather than sanitized.
func (s *Service) UpdateOperatingConfig(ctx context.Context, req domain.OperatingConfigRequest) (domain.OperatingConfig, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.OperatingConfig{}, err
	}

	raw := domain.RawOperatingConfig{
		Timezone:    strings.TrimSpace(req.Timezone),
		Windows:     req.Windows,
		Maintenance: req.Maintenance,
	}
	if raw.Timezone == "" {
		raw.Timezone = s.opts.DefaultTimezone
	}
	checked := status.Sanitize(raw, s.opts.DefaultTimezone)
	if len(checked.Issues) > 0 {
		return domain.OperatingConfig{}, fmt.Errorf("%w: %s", store.ErrInvalidInput, strings.Join(checked.Issues, "; "))
	}

	if raw.Maintenance.Enabled {
		if raw.Maintenance.Since == nil {
			since := s.opts.Now()
			raw.Maintenance.Since = &since
		}
	} else {
		raw.Maintenance.Since = nil
	}

	saved, err := s.repo.SaveOperatingConfig(ctx, raw)
	if err != nil {
		return domain.OperatingConfig{}, err
	}
	s.publish(ctx, fanout.KindStatusRefresh, nil)

	logging.Info().
		Str("actor", actor.Username).
		Str("timezone", saved.Timezone).
		Int("windows", len(saved.Windows)).
		Bool("maintenance", saved.Maintenance.Enabled).
		Msg("operating config updated")
	return status.Load(saved, s.opts.DefaultTimezone), nil
}

func (s *Service) ListLedger(ctx context.Context, productID string, limit int) ([]domain.LedgerEntry, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListLedger(ctx, strings.TrimSpace(productID), limit)
}

func (s *Service) ListSnapshots(ctx context.Context) ([]domain.InventorySnapshot, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListSnapshots(ctx)
}

func (s *Service) ListNotifications(ctx context.Context, statusFilter string, limit int) ([]domain.NotificationLogEntry, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	statusFilter = strings.ToLower(strings.TrimSpace(statusFilter))
	switch statusFilter {
	case "", domain.NotificationPending, domain.NotificationSent, domain.NotificationFailed, domain.NotificationAbandoned:
	default:
		return nil, fmt.Errorf("%w: unknown notification status %q", store.ErrInvalidInput, statusFilter)
	}
	return s.repo.ListNotifications(ctx, statusFilter, limit)
}

// afterLedgerWrite runs once a ledger write has committed. Failures here are
// logged; the write itself already succeeded.
func (s *Service) afterLedgerWrite(ctx context.Context, written domain.LedgerResult) {
	metrics.LedgerEntries.WithLabelValues(written.Entry.Source).Inc()
	s.invalidateFeed(ctx)
	s.publish(ctx, fanout.KindInventory, inventory.UpdatePayload(written.Snapshot))

	if written.Alert != nil {
		logging.Info().
			Str("product_id", written.Entry.ProductID).
			Int("stock", written.Snapshot.CurrentStock).
			Str("notification_id", written.Alert.ID).
			Msg("low stock alert queued")
	}
}

func (s *Service) invalidateFeed(ctx context.Context) {
	if err := s.feedCache.Delete(ctx, cache.FeedKey); err != nil {
		logging.Warn().Err(err).Msg("feed cache invalidation failed")
	}
}

func (s *Service) publish(ctx context.Context, kind string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, kind, payload); err != nil {
		logging.Warn().Err(err).Str("kind", kind).Msg("event publish failed")
	}
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}
