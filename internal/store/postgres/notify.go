package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"snackkiosk/backend/internal/fanout"
	"snackkiosk/backend/internal/logging"
)

var _ fanout.Transport = (*NotifyTransport)(nil)

// maxNotifyPayload stays under the 8000 byte NOTIFY payload limit.
const maxNotifyPayload = 7900

var ErrPayloadTooLarge = errors.New("notify payload too large")

// NotifyTransport carries fanout messages over LISTEN/NOTIFY. Publishing uses
// the pool; listening holds one dedicated connection.
type NotifyTransport struct {
	store   *Store
	channel string
}

func (s *Store) NotifyTransport(channel string) *NotifyTransport {
	return &NotifyTransport{store: s, channel: channel}
}

func (t *NotifyTransport) Publish(ctx context.Context, msg fanout.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	_, err = t.store.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, t.channel, string(payload))
	return err
}

// Listen returns when ctx is cancelled or the connection fails; the caller's
// supervisor restarts it.
func (t *NotifyTransport) Listen(ctx context.Context, handle fanout.Handler) error {
	conn, err := pgx.Connect(ctx, t.store.databaseURL)
	if err != nil {
		return fmt.Errorf("listen connect: %w", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", t.channel, err)
	}
	logging.Info().Str("channel", t.channel).Msg("listening for cross-instance events")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		var msg fanout.Message
		if err := json.Unmarshal([]byte(notification.Payload), &msg); err != nil {
			logging.Warn().Err(err).Str("channel", notification.Channel).Msg("undecodable notification dropped")
			continue
		}
		handle(ctx, msg)
	}
}
