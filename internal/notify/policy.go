// Package notify delivers low-stock alerts from the notification log and
// retries failed deliveries on a fixed ladder.
package notify

import (
	"errors"
	"time"

	"snackkiosk/backend/internal/domain"
)

var DefaultLadder = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

const DefaultMaxAttempts = 3

// Policy decides what happens to an entry after a delivery attempt.
type Policy struct {
	// Ladder[i] is the wait after the (i+1)th failed attempt; the last
	// step repeats.
	Ladder      []time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{Ladder: DefaultLadder, MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) normalized() Policy {
	if len(p.Ladder) == 0 {
		p.Ladder = DefaultLadder
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Backoff returns the wait after the given number of failed attempts.
func (p Policy) Backoff(attempts int) time.Duration {
	p = p.normalized()
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(p.Ladder) {
		return p.Ladder[len(p.Ladder)-1]
	}
	return p.Ladder[attempts-1]
}

// Apply returns entry advanced by one attempt that ended with sendErr at now.
//
//	success             -> sent
//	permanent error     -> failed
//	attempts >= ceiling -> abandoned
//	otherwise           -> pending, next attempt after the ladder step
func (p Policy) Apply(entry domain.NotificationLogEntry, sendErr error, now time.Time) domain.NotificationLogEntry {
	p = p.normalized()
	now = now.UTC()
	entry.Attempts++
	entry.LastAttemptAt = &now
	entry.UpdatedAt = now

	switch {
	case sendErr == nil:
		entry.Status = domain.NotificationSent
		entry.ErrorDetail = ""
	case errors.Is(sendErr, ErrPermanent):
		entry.Status = domain.NotificationFailed
		entry.ErrorDetail = sendErr.Error()
	case entry.Attempts >= p.MaxAttempts:
		entry.Status = domain.NotificationAbandoned
		entry.ErrorDetail = sendErr.Error()
	default:
		entry.Status = domain.NotificationPending
		entry.ErrorDetail = sendErr.Error()
		entry.NextAttemptAt = now.Add(p.Backoff(entry.Attempts))
	}
	return entry
}
