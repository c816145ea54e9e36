// Package eventbus fans kiosk status and inventory events out to the
// server-push clients connected to this process.
package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/logging"
	"snackkiosk/backend/internal/metrics"
	"snackkiosk/backend/internal/status"
)

const (
	KindStatusInit   = "status:init"
	KindStatusUpdate = "status:update"
	KindTracking     = "inventory:tracking"
	KindInventory    = "inventory:update"
)

// Event is one message on a client's stream.
type Event struct {
	ID        uint64    `json:"id"`
	Kind      string    `json:"kind"`
	EmittedAt time.Time `json:"emittedAt"`
	Data      any       `json:"data"`
}

// StatusSource computes the current kiosk status. It must not fail; on
// storage errors it falls back to defaults.
type StatusSource interface {
	CurrentStatus(ctx context.Context) domain.KioskStatus
}

type Options struct {
	// TickInterval is how often status is recomputed. Default 5s.
	TickInterval time.Duration
	// ClientBuffer is the per-client queue size on top of the replay backlog. Default 64.
	ClientBuffer int
	// ReplayLimit caps the number of products kept in the replay cache. Default 1024.
	ReplayLimit int
	Now         func() time.Time
}

// Client is a registered stream. Read events from Events until it is closed.
type Client struct {
	id           string
	out          chan Event
	subscribedAt time.Time
	closeOnce    sync.Once
}

func (c *Client) ID() string { return c.id }

func (c *Client) Events() <-chan Event { return c.out }

func (c *Client) SubscribedAt() time.Time { return c.subscribedAt }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.out) })
}

// Hub owns the client map and the replay cache. All mutation happens under mu,
// which also serializes broadcasts so every client sees events in issue order.
type Hub struct {
	source  StatusSource
	opts    Options
	refresh chan struct{}

	mu         sync.Mutex
	clients    map[string]*Client
	seq        uint64
	lastStatus *domain.KioskStatus
	tracking   *Event
	inventory  map[string]*Event
}

func NewHub(source StatusSource, opts Options) *Hub {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		source:    source,
		opts:      opts,
		refresh:   make(chan struct{}, 1),
		clients:   make(map[string]*Client),
		inventory: make(map[string]*Event),
	}
}

// RegisterClient adds a client and queues status:init followed by the cached
// tracking state and the cached inventory update of every product, oldest first.
func (h *Hub) RegisterClient(ctx context.Context) *Client {
	h.mu.Lock()
	known := h.lastStatus
	h.mu.Unlock()

	var computed domain.KioskStatus
	if known == nil {
		computed = h.source.CurrentStatus(ctx)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lastStatus == nil {
		h.lastStatus = &computed
	}
	replay := h.replayLocked()
	client := &Client{
		id:           uuid.NewString(),
		out:          make(chan Event, h.opts.ClientBuffer+1+len(replay)),
		subscribedAt: h.opts.Now().UTC(),
	}
	client.out <- h.nextEventLocked(KindStatusInit, *h.lastStatus)
	for _, ev := range replay {
		client.out <- ev
	}
	h.clients[client.id] = client

	metrics.EventBusClients.Set(float64(len(h.clients)))
	logging.Debug().Str("client_id", client.id).Int("replayed", len(replay)).Int("clients", len(h.clients)).Msg("event bus client registered")
	return client
}

func (h *Hub) replayLocked() []Event {
	out := make([]Event, 0, len(h.inventory)+1)
	if h.tracking != nil {
		out = append(out, *h.tracking)
	}
	inv := make([]Event, 0, len(h.inventory))
	for _, ev := range h.inventory {
		inv = append(inv, *ev)
	}
	sort.Slice(inv, func(i, j int) bool { return inv[i].ID < inv[j].ID })
	return append(out, inv...)
}

// RemoveClient closes the client's stream. Unknown or already removed ids are ignored.
func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	client.close()
	metrics.EventBusClients.Set(float64(count))
	logging.Debug().Str("client_id", id).Int("clients", count).Msg("event bus client removed")
}

func (h *Hub) BroadcastStatus(s domain.KioskStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastStatus = &s
	h.broadcastLocked(h.nextEventLocked(KindStatusUpdate, s))
}

// BroadcastInventoryUpdate normalizes payload, caches it per product and
// sends it. Updates older than the cached one for the same product are dropped.
func (h *Hub) BroadcastInventoryUpdate(payload any) (domain.InventoryUpdate, error) {
	raw, err := decodePayload(payload)
	if err != nil {
		return domain.InventoryUpdate{}, err
	}
	update, err := NormalizeInventoryUpdate(raw)
	if err != nil {
		logging.Warn().Err(err).Msg("inventory update dropped")
		return domain.InventoryUpdate{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if cached, ok := h.inventory[update.ProductID]; ok && update.UpdatedAt != nil {
		if prev, ok := cached.Data.(domain.InventoryUpdate); ok && prev.UpdatedAt != nil && prev.UpdatedAt.After(*update.UpdatedAt) {
			return prev, nil
		}
	}

	ev := h.nextEventLocked(KindInventory, update)
	h.inventory[update.ProductID] = &ev
	h.evictLocked()
	h.broadcastLocked(ev)
	return update, nil
}

func (h *Hub) evictLocked() {
	for len(h.inventory) > h.opts.ReplayLimit {
		var oldestID string
		var oldest uint64
		for id, ev := range h.inventory {
			if oldestID == "" || ev.ID < oldest {
				oldestID, oldest = id, ev.ID
			}
		}
		delete(h.inventory, oldestID)
	}
}

// BroadcastTrackingState caches and sends the inventory tracking flag.
// A state older than the cached one is ignored.
func (h *Hub) BroadcastTrackingState(state domain.TrackingState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tracking != nil {
		if prev, ok := h.tracking.Data.(domain.TrackingState); ok && prev.UpdatedAt.After(state.UpdatedAt) {
			return
		}
	}
	ev := h.nextEventLocked(KindTracking, state)
	h.tracking = &ev
	h.broadcastLocked(ev)
}

// TriggerImmediateRefresh asks Serve to recompute status now. It never blocks.
func (h *Hub) TriggerImmediateRefresh() {
	select {
	case h.refresh <- struct{}{}:
	default:
	}
}

func (h *Hub) nextEventLocked(kind string, data any) Event {
	h.seq++
	return Event{ID: h.seq, Kind: kind, EmittedAt: h.opts.Now().UTC(), Data: data}
}

// broadcastLocked never blocks: a client whose queue is full is removed.
func (h *Hub) broadcastLocked(ev Event) {
	metrics.EventBusEvents.WithLabelValues(ev.Kind).Inc()
	for id, client := range h.clients {
		select {
		case client.out <- ev:
		default:
			delete(h.clients, id)
			client.close()
			metrics.EventBusDroppedClients.Inc()
			logging.Warn().Str("client_id", id).Str("kind", ev.Kind).Msg("event bus client too slow, removed")
		}
	}
	metrics.EventBusClients.Set(float64(len(h.clients)))
}

// RefreshStatus recomputes status and broadcasts it if it changed.
func (h *Hub) RefreshStatus(ctx context.Context) bool {
	next := h.source.CurrentStatus(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	changed := h.lastStatus == nil || status.HasChanged(*h.lastStatus, next)
	h.lastStatus = &next
	if changed {
		h.broadcastLocked(h.nextEventLocked(KindStatusUpdate, next))
	}
	return changed
}

// Serve runs the status tick until ctx is cancelled, then closes every client.
func (h *Hub) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.TickInterval)
	defer ticker.Stop()

	logging.Info().Dur("tick", h.opts.TickInterval).Msg("event bus started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.RefreshStatus(ctx)
		case <-h.refresh:
			h.RefreshStatus(ctx)
		}
	}
}

func (h *Hub) String() string { return "event-bus" }

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	metrics.EventBusClients.Set(0)
	logging.Info().Int("clients", len(clients)).Msg("event bus stopped")
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// LastStatus returns the most recently computed status, if any.
func (h *Hub) LastStatus() (domain.KioskStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastStatus == nil {
		return domain.KioskStatus{}, false
	}
	return *h.lastStatus, true
}
