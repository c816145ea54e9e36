// Package fanout carries committed state changes to every server instance so
// each one can push them to its own connected clients.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"snackkiosk/backend/internal/logging"
	"snackkiosk/backend/internal/metrics"
)

const (
	KindInventory     = "inventory:update"
	KindTracking      = "inventory:tracking"
	KindStatusRefresh = "status:refresh"
)

var ErrQueueFull = errors.New("fanout queue full")

type Message struct {
	Kind    string          `json:"kind"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

type Handler func(ctx context.Context, msg Message)

// Transport moves messages between instances. Listen blocks until ctx is
// cancelled or the underlying connection fails; messages published by this
// instance are delivered back to it as well.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	Listen(ctx context.Context, handle Handler) error
}

// Loopback is the single-process Transport.
type Loopback struct {
	ch chan Message
}

func NewLoopback(buffer int) *Loopback {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loopback{ch: make(chan Message, buffer)}
}

func (l *Loopback) Publish(ctx context.Context, msg Message) error {
	select {
	case l.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (l *Loopback) Listen(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-l.ch:
			handle(ctx, msg)
		}
	}
}

type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Publisher sends messages over the transport. If the transport fails the
// message is delivered to this instance directly so local clients still see it.
type Publisher struct {
	transport Transport
	origin    string
	local     Deliverer
}

func NewPublisher(transport Transport, origin string, local Deliverer) *Publisher {
	return &Publisher{transport: transport, origin: origin, local: local}
}

func (p *Publisher) Publish(ctx context.Context, kind string, payload any) error {
	msg := Message{Kind: kind, Origin: p.origin, SentAt: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", kind, err)
		}
		msg.Payload = raw
	}

	err := p.transport.Publish(ctx, msg)
	if err == nil {
		metrics.FanoutMessages.WithLabelValues(kind, "out").Inc()
		return nil
	}

	logging.Warn().Err(err).Str("kind", kind).Msg("fanout publish failed, delivering locally")
	metrics.FanoutMessages.WithLabelValues(kind, "fallback").Inc()
	if p.local == nil {
		return err
	}
	return p.local.Deliver(ctx, msg)
}
