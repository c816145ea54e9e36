package fanout

import (
	"bytes"
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/logging"
	"snackkiosk/backend/internal/metrics"
)

// Hub is the part of the event bus the relay drives.
type Hub interface {
	BroadcastInventoryUpdate(payload any) (domain.InventoryUpdate, error)
	BroadcastTrackingState(state domain.TrackingState)
	TriggerImmediateRefresh()
}

// Relay listens on the transport and hands every message to the local hub.
type Relay struct {
	transport Transport
	hub       Hub
}

func NewRelay(transport Transport, hub Hub) *Relay {
	return &Relay{transport: transport, hub: hub}
}

func (r *Relay) String() string { return "fanout-relay" }

func (r *Relay) Serve(ctx context.Context) error {
	logging.Info().Msg("fanout relay listening")
	return r.transport.Listen(ctx, func(ctx context.Context, msg Message) {
		if err := r.Deliver(ctx, msg); err != nil {
			logging.Warn().Err(err).Str("kind", msg.Kind).Str("origin", msg.Origin).Msg("fanout message dropped")
		}
	})
}

func (r *Relay) Deliver(_ context.Context, msg Message) error {
	metrics.FanoutMessages.WithLabelValues(msg.Kind, "in").Inc()
	switch msg.Kind {
	case KindInventory:
		var raw map[string]any
		dec := json.NewDecoder(bytes.NewReader(msg.Payload))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode inventory payload: %w", err)
		}
		_, err := r.hub.BroadcastInventoryUpdate(raw)
		return err
	case KindTracking:
		var state domain.TrackingState
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			return fmt.Errorf("decode tracking payload: %w", err)
		}
		r.hub.BroadcastTrackingState(state)
		return nil
	case KindStatusRefresh:
		r.hub.TriggerImmediateRefresh()
		return nil
	default:
		return fmt.Errorf("unknown fanout kind %q", msg.Kind)
	}
}
