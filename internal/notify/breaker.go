package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"snackkiosk/backend/internal/logging"
)

// BreakerMailer stops calling a failing mail transport for a while. Calls
// the breaker rejects without reaching the transport return ErrUnavailable.
type BreakerMailer struct {
	next Mailer
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerMailer(next Mailer, failureThreshold uint32, openFor time.Duration) *BreakerMailer {
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	if openFor <= 0 {
		openFor = time.Minute
	}
	settings := gobreaker.Settings{
		Name:        "mailer",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A bad message is not a transport outage.
			return err == nil || errors.Is(err, ErrPermanent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return &BreakerMailer{next: next, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

func (b *BreakerMailer) Send(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (b *BreakerMailer) State() string {
	return b.cb.State().String()
}
