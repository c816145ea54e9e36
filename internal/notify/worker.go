package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/leader"
	"snackkiosk/backend/internal/logging"
	"snackkiosk/backend/internal/metrics"
	"snackkiosk/backend/internal/store"
)

type Options struct {
	Policy       Policy
	PollInterval time.Duration
	BatchSize    int
	Recipients   []string
	// RatePerSecond throttles sends; zero disables throttling.
	RatePerSecond float64
	SendTimeout   time.Duration
	Instance      string
	Now           func() time.Time
}

// Worker drains the notification log. Every instance runs one, but only the
// holder of the leader lock dispatches.
type Worker struct {
	lock    leader.Lock
	store   store.Notifications
	mailer  Mailer
	opts    Options
	limiter *rate.Limiter

	mu     sync.Mutex
	leader bool
}

func NewWorker(lock leader.Lock, notifications store.Notifications, mailer Mailer, opts Options) *Worker {
	opts.Policy = opts.Policy.normalized()
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Worker{
		lock:    lock,
		store:   notifications,
		mailer:  mailer,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (w *Worker) String() string { return "notification-worker" }

// Serve polls until ctx is cancelled. The lock is released with a fresh
// context on the way out so a sibling can take over on its next poll.
func (w *Worker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	logging.Info().Str("instance", w.opts.Instance).Dur("poll", w.opts.PollInterval).Msg("notification worker started")
	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.resign()
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	ok, err := w.lock.TryAcquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Warn().Err(err).Str("instance", w.opts.Instance).Msg("leader lock unavailable, not leader this cycle")
		ok = false
	}
	w.setLeader(ok)
	if !ok {
		return
	}
	if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("notification batch failed")
	}
}

func (w *Worker) setLeader(now bool) {
	w.mu.Lock()
	was := w.leader
	w.leader = now
	w.mu.Unlock()

	if was == now {
		return
	}
	metrics.SetLeader(now)
	if now {
		logging.Info().Str("instance", w.opts.Instance).Msg("acquired notification leadership")
	} else {
		logging.Warn().Str("instance", w.opts.Instance).Msg("lost notification leadership")
	}
}

// IsLeader reports whether the last poll held the lock.
func (w *Worker) IsLeader() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.leader
}

func (w *Worker) resign() {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.lock.Release(releaseCtx); err != nil {
		logging.Warn().Err(err).Msg("release leader lock")
	}
	w.mu.Lock()
	wasLeader := w.leader
	w.leader = false
	w.mu.Unlock()
	if wasLeader {
		metrics.SetLeader(false)
	}
	logging.Info().Str("instance", w.opts.Instance).Msg("notification worker stopped")
}

// RunOnce attempts every due pending entry once and returns how many were
// advanced. Cancelling ctx stops picking new entries; an attempt already
// started runs to completion so its outcome is recorded.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.store.ListDueNotifications(ctx, w.opts.Now().UTC(), w.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i, entry := range due {
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		advanced, err := w.attempt(ctx, entry)
		if errors.Is(err, ErrUnavailable) {
			// Nothing was sent; the rest of the batch waits for the next poll.
			logging.Warn().Err(err).Int("deferred", len(due)-i).Msg("mail transport unavailable, notifications left pending")
			break
		}
		if advanced {
			processed++
		}
	}
	if processed > 0 {
		logging.Info().Int("processed", processed).Int("due", len(due)).Msg("notification batch done")
	}
	return processed, nil
}

// attempt sends entry and records the outcome. It reports whether the entry
// advanced; an ErrUnavailable send is returned without touching the row.
func (w *Worker) attempt(ctx context.Context, entry domain.NotificationLogEntry) (bool, error) {
	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.SendTimeout)
	defer cancel()

	sendErr := w.mailer.Send(workCtx, Render(entry, w.opts.Recipients))
	if errors.Is(sendErr, ErrUnavailable) {
		metrics.NotificationAttempts.WithLabelValues("deferred").Inc()
		return false, sendErr
	}
	next := w.opts.Policy.Apply(entry, sendErr, w.opts.Now())

	if err := w.store.RecordAttempt(workCtx, next, entry.Attempts); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			logging.Debug().Str("notification_id", entry.ID).Msg("notification advanced elsewhere, skipped")
			return false, nil
		}
		logging.Error().Err(err).Str("notification_id", entry.ID).Msg("record notification attempt")
		return false, nil
	}

	metrics.NotificationAttempts.WithLabelValues(next.Status).Inc()
	event := logging.Info()
	if sendErr != nil {
		event = logging.Warn().Err(sendErr)
	}
	event.Str("notification_id", entry.ID).
		Str("dedupe_key", entry.DedupeKey).
		Int("attempts", next.Attempts).
		Str("status", next.Status).
		Msg("notification attempt")
	return true, nil
}
