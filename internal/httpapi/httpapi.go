package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/eventbus"
	"snackkiosk/backend/internal/logging"
	"snackkiosk/backend/internal/service"
	"snackkiosk/backend/internal/store"
)

// EventStream is the part of the event bus the stream endpoint needs.
type EventStream interface {
	RegisterClient(ctx context.Context) *eventbus.Client
	RemoveClient(id string)
}

type Options struct {
	AllowedOrigin string
	// SSEKeepAlive is the interval between keepalive comments. Default 25s.
	SSEKeepAlive time.Duration
	// SSERetry is the reconnect delay advertised to clients. Default 2s.
	SSERetry time.Duration
	// LoginAttempts per minute per client IP. Default 5.
	LoginAttempts int
	// PurchaseAttempts per minute per client IP. Default 120.
	PurchaseAttempts int
}

type API struct {
	service *service.Service
	auth    *AuthManager
	events  EventStream
	opts    Options
}

func New(svc *service.Service, auth *AuthManager, events EventStream, opts Options) *API {
	if opts.SSEKeepAlive <= 0 {
		opts.SSEKeepAlive = 25 * time.Second
	}
	if opts.SSERetry <= 0 {
		opts.SSERetry = 2 * time.Second
	}
	if opts.LoginAttempts <= 0 {
		opts.LoginAttempts = 5
	}
	if opts.PurchaseAttempts <= 0 {
		opts.PurchaseAttempts = 120
	}
	return &API{
		service: svc,
		auth:    auth,
		events:  events,
		opts:    opts,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(a.opts.AllowedOrigin))
	r.Use(securityHeaders)
	r.Use(requestLogger)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { writeMethodNotAllowed(w) })
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status/kiosk", a.handleKioskStatus)
	r.Get("/status/events", a.handleEvents)
	r.Get("/feed/products", a.handleProductFeed)

	r.With(httprate.LimitByIP(a.opts.LoginAttempts, time.Minute)).Post("/api/v1/auth/login", a.handleLogin)
	r.With(httprate.LimitByIP(a.opts.PurchaseAttempts, time.Minute)).Post("/api/v1/purchases", a.handlePurchase)

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(a.requireAuth("admin"))
		r.Get("/operating-config", a.handleGetOperatingConfig)
		r.Put("/operating-config", a.handlePutOperatingConfig)
		r.Post("/inventory/adjustments", a.handleAdjustment)
		r.Post("/inventory/reconciliations", a.handleReconciliation)
		r.Post("/inventory/refresh", a.handleRefreshSnapshots)
		r.Get("/inventory/ledger", a.handleLedger)
		r.Get("/inventory/snapshots", a.handleSnapshots)
		r.Put("/inventory/tracking", a.handleTracking)
		r.Get("/notifications", a.handleNotifications)
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleKioskStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, a.service.CurrentStatus(r.Context()))
}

func (a *API) handleProductFeed(w http.ResponseWriter, r *http.Request) {
	feed, err := a.service.ProductFeed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	if feed.ETag != "" {
		w.Header().Set("ETag", feed.ETag)
	}
	if !feed.LastModified.IsZero() {
		w.Header().Set("Last-Modified", feed.LastModified.UTC().Format(http.TimeFormat))
	}
	if notModified(r, feed.ETag, feed.LastModified) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// notModified applies If-None-Match, falling back to If-Modified-Since only
// when the client sent no entity tag.
func notModified(r *http.Request, etag string, lastModified time.Time) bool {
	if inm := strings.TrimSpace(r.Header.Get("If-None-Match")); inm != "" {
		if etag == "" {
			return false
		}
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
			if candidate == "*" || candidate == etag {
				return true
			}
		}
		return false
	}
	ims := strings.TrimSpace(r.Header.Get("If-Modified-Since"))
	if ims == "" || lastModified.IsZero() {
		return false
	}
	since, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !lastModified.Truncate(time.Second).After(since)
}

func (a *API) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.ConfirmPurchase(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (a *API) handleGetOperatingConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.service.GetOperatingConfig(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
}

func (a *API) handlePutOperatingConfig(w http.ResponseWriter, r *http.Request) {
	var req domain.OperatingConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg, err := a.service.UpdateOperatingConfig(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config": cfg,
		"status": a.service.CurrentStatus(r.Context()),
	})
}

func (a *API) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.AdjustStock(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	var req domain.ReconciliationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.Reconcile(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleRefreshSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := a.service.RefreshSnapshots(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	entries, err := a.service.ListLedger(r.Context(), r.URL.Query().Get("product_id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := a.service.ListSnapshots(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	tracking, err := a.service.TrackingState(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots, "tracking": tracking})
}

func (a *API) handleTracking(w http.ResponseWriter, r *http.Request) {
	var req domain.TrackingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	state, err := a.service.SetTracking(r.Context(), *req.Enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracking": state})
}

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	entries, err := a.service.ListNotifications(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": entries})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}
	writeError(w, status, err)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		logging.Error().Err(err).Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
