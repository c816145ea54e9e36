package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"snackkiosk/backend/internal/domain"
)

type recordingHub struct {
	mu        sync.Mutex
	inventory []map[string]any
	tracking  []domain.TrackingState
	refreshes int
	got       chan struct{}
}

func newRecordingHub() *recordingHub {
	return &recordingHub{got: make(chan struct{}, 16)}
}

func (h *recordingHub) BroadcastInventoryUpdate(payload any) (domain.InventoryUpdate, error) {
	h.mu.Lock()
	h.inventory = append(h.inventory, payload.(map[string]any))
	h.mu.Unlock()
	h.got <- struct{}{}
	return domain.InventoryUpdate{}, nil
}

func (h *recordingHub) BroadcastTrackingState(state domain.TrackingState) {
	h.mu.Lock()
	h.tracking = append(h.tracking, state)
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *recordingHub) TriggerImmediateRefresh() {
	h.mu.Lock()
	h.refreshes++
	h.mu.Unlock()
	h.got <- struct{}{}
}

func wait(t *testing.T, h *recordingHub, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.got:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func TestLoopbackRelayDeliversToHub(t *testing.T) {
	transport := NewLoopback(8)
	hub := newRecordingHub()
	relay := NewRelay(transport, hub)
	pub := NewPublisher(transport, "instance-a", relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Serve(ctx) }()

	if err := pub.Publish(ctx, KindInventory, map[string]any{"productId": "chips", "stockQuantity": 4}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.Publish(ctx, KindTracking, domain.TrackingState{Enabled: false, UpdatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.Publish(ctx, KindStatusRefresh, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	wait(t, hub, 3)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.inventory) != 1 || hub.inventory[0]["productId"] != "chips" {
		t.Fatalf("unexpected inventory deliveries %+v", hub.inventory)
	}
	if len(hub.tracking) != 1 || hub.tracking[0].Enabled {
		t.Fatalf("unexpected tracking deliveries %+v", hub.tracking)
	}
	if hub.refreshes != 1 {
		t.Fatalf("expected one refresh, got %d", hub.refreshes)
	}
}

type brokenTransport struct{}

func (brokenTransport) Publish(context.Context, Message) error { return errors.New("connection reset") }

func (brokenTransport) Listen(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPublisherFallsBackToLocalDelivery(t *testing.T) {
	hub := newRecordingHub()
	relay := NewRelay(brokenTransport{}, hub)
	pub := NewPublisher(brokenTransport{}, "instance-a", relay)

	if err := pub.Publish(context.Background(), KindStatusRefresh, nil); err != nil {
		t.Fatalf("expected local fallback to succeed, got %v", err)
	}
	wait(t, hub, 1)
}

func TestLoopbackReportsFullQueue(t *testing.T) {
	transport := NewLoopback(1)
	ctx := context.Background()
	if err := transport.Publish(ctx, Message{Kind: KindStatusRefresh}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := transport.Publish(ctx, Message{Kind: KindStatusRefresh}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestRelayRejectsUnknownKind(t *testing.T) {
	relay := NewRelay(NewLoopback(1), newRecordingHub())
	if err := relay.Deliver(context.Background(), Message{Kind: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
