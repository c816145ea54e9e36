package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/leader"
	"snackkiosk/backend/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingMailer struct {
	mu    sync.Mutex
	sent  []Message
	fail  error
	calls int
}

func (m *countingMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *countingMailer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newFixture(t *testing.T) (*memory.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	st := memory.New()
	st.SetClock(clk.Now)
	return st, clk
}

func enqueue(t *testing.T, st *memory.Store, key string) domain.NotificationLogEntry {
	t.Helper()
	entry, created, err := st.EnqueueNotification(context.Background(), domain.NotificationLogEntry{
		Type:      domain.NotificationTypeLowStock,
		DedupeKey: key,
		Payload:   map[string]any{"productId": "chips", "productName": "Chips", "currentStock": 2, "threshold": 3},
	})
	if err != nil || !created {
		t.Fatalf("expected entry created, got %v %v", created, err)
	}
	return entry
}

func TestPolicyLadder(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := domain.NotificationLogEntry{Status: domain.NotificationPending}

	entry = p.Apply(entry, errors.New("smtp down"), now)
	if entry.Status != domain.NotificationPending || !entry.NextAttemptAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected retry in 1m, got %s at %v", entry.Status, entry.NextAttemptAt)
	}
	entry = p.Apply(entry, errors.New("smtp down"), now)
	if !entry.NextAttemptAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("expected retry in 5m, got %v", entry.NextAttemptAt)
	}
	entry = p.Apply(entry, errors.New("smtp down"), now)
	if entry.Status != domain.NotificationAbandoned || entry.Attempts != 3 {
		t.Fatalf("expected abandoned after 3 attempts, got %s/%d", entry.Status, entry.Attempts)
	}
	if entry.ErrorDetail != "smtp down" {
		t.Fatalf("expected error detail kept, got %q", entry.ErrorDetail)
	}

	if p.Backoff(3) != 15*time.Minute || p.Backoff(9) != 15*time.Minute {
		t.Fatalf("expected last ladder step to repeat")
	}
}

func TestPolicyOutcomes(t *testing.T) {
	p := Policy{Ladder: []time.Duration{time.Second}, MaxAttempts: 5}
	now := time.Now()
	if got := p.Apply(domain.NotificationLogEntry{}, nil, now); got.Status != domain.NotificationSent || got.LastAttemptAt == nil {
		t.Fatalf("expected sent with last attempt, got %+v", got)
	}
	perm := fmt.Errorf("%w: no recipients", ErrPermanent)
	if got := p.Apply(domain.NotificationLogEntry{}, perm, now); got.Status != domain.NotificationFailed {
		t.Fatalf("expected failed on permanent error, got %s", got.Status)
	}
}

func TestWorkerAbandonsAfterThreeFailures(t *testing.T) {
	st, clk := newFixture(t)
	entry := enqueue(t, st, "low_stock:chips:3")
	mailer := &countingMailer{fail: errors.New("connection refused")}
	w := NewWorker(leader.NewArbiter().Lock("n", "a"), st, mailer, Options{Now: clk.Now, Recipients: []string{"ops@example.com"}})
	ctx := context.Background()

	steps := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	for i, wait := range steps {
		if n, err := w.RunOnce(ctx); err != nil || n != 1 {
			t.Fatalf("attempt %d: expected 1 processed, got %d %v", i+1, n, err)
		}
		// Not due yet: nothing happens before the ladder step elapses.
		if n, _ := w.RunOnce(ctx); n != 0 {
			t.Fatalf("attempt %d: expected entry not due, got %d", i+1, n)
		}
		clk.Advance(wait)
	}

	got, _ := st.ListNotifications(ctx, "", 10)
	if len(got) != 1 || got[0].ID != entry.ID {
		t.Fatalf("expected the single entry, got %+v", got)
	}
	if got[0].Status != domain.NotificationAbandoned || got[0].Attempts != 3 {
		t.Fatalf("expected abandoned with 3 attempts, got %s/%d", got[0].Status, got[0].Attempts)
	}

	clk.Advance(time.Hour)
	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Fatalf("expected abandoned entry never attempted again")
	}
	if mailer.Calls() != 3 {
		t.Fatalf("expected exactly 3 sends, got %d", mailer.Calls())
	}
}

func TestWorkerMarksSent(t *testing.T) {
	st, clk := newFixture(t)
	enqueue(t, st, "low_stock:chips:3")
	mailer := &countingMailer{}
	w := NewWorker(leader.NewArbiter().Lock("n", "a"), st, mailer, Options{Now: clk.Now, Recipients: []string{"ops@example.com"}})

	if n, err := w.RunOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected 1 processed, got %d %v", n, err)
	}
	sent, _ := st.ListNotifications(context.Background(), domain.NotificationSent, 10)
	if len(sent) != 1 {
		t.Fatalf("expected sent entry, got %d", len(sent))
	}
	if len(mailer.sent) != 1 || mailer.sent[0].Subject != "[kiosk] Low stock: Chips" {
		t.Fatalf("unexpected mail %+v", mailer.sent)
	}

	// A pending entry for the same key can be raised again once the first is resolved.
	enqueue(t, st, "low_stock:chips:3")
}

func TestDuplicateBreachIsSuppressedWhilePending(t *testing.T) {
	st, clk := newFixture(t)
	first := enqueue(t, st, "low_stock:chips:3")
	again, created, err := st.EnqueueNotification(context.Background(), domain.NotificationLogEntry{
		Type:      domain.NotificationTypeLowStock,
		DedupeKey: "low_stock:chips:3",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("expected existing pending entry returned")
	}

	mailer := &countingMailer{}
	w := NewWorker(leader.NewArbiter().Lock("n", "a"), st, mailer, Options{Now: clk.Now})
	w.RunOnce(context.Background())
	if mailer.Calls() != 1 {
		t.Fatalf("expected one mail for duplicate breaches, got %d", mailer.Calls())
	}
}

func TestOnlyLeaderDispatches(t *testing.T) {
	st, clk := newFixture(t)
	for i := 0; i < 10; i++ {
		enqueue(t, st, fmt.Sprintf("low_stock:p%d:3", i))
	}

	arbiter := leader.NewArbiter()
	const instances = 5
	workers := make([]*Worker, instances)
	mailers := make([]*countingMailer, instances)
	for i := range workers {
		mailers[i] = &countingMailer{}
		lock := arbiter.Lock("notification-worker", fmt.Sprintf("instance-%d", i))
		workers[i] = NewWorker(lock, st, mailers[i], Options{Now: clk.Now})
	}

	ctx := context.Background()
	for round := 0; round < 3; round++ {
		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.tick(ctx)
			}(w)
		}
		wg.Wait()
	}

	total, dispatching := 0, 0
	for _, m := range mailers {
		total += m.Calls()
		if m.Calls() > 0 {
			dispatching++
		}
	}
	if dispatching != 1 {
		t.Fatalf("expected exactly one dispatching instance, got %d", dispatching)
	}
	if total != 10 {
		t.Fatalf("expected each entry sent once, got %d sends", total)
	}
	leaders := 0
	for _, w := range workers {
		if w.IsLeader() {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected one leader, got %d", leaders)
	}
}

func TestServeReleasesLockOnShutdown(t *testing.T) {
	st, clk := newFixture(t)
	enqueue(t, st, "low_stock:chips:3")
	arbiter := leader.NewArbiter()
	mailer := &countingMailer{}
	w := NewWorker(arbiter.Lock("notification-worker", "a"), st, mailer, Options{Now: clk.Now, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	deadline := time.After(time.Second)
	for mailer.Calls() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected leader to dispatch")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("serve did not stop")
	}
	if holder := arbiter.Holder("notification-worker"); holder != "" {
		t.Fatalf("expected lock released, held by %q", holder)
	}

	sibling := NewWorker(arbiter.Lock("notification-worker", "b"), st, mailer, Options{Now: clk.Now})
	sibling.tick(context.Background())
	if !sibling.IsLeader() {
		t.Fatalf("expected sibling to take over")
	}
}

type failingLock struct{}

func (failingLock) TryAcquire(context.Context) (bool, error) { return false, errors.New("db down") }
func (failingLock) Release(context.Context) error { return nil }

func TestLockErrorMeansNotLeader(t *testing.T) {
	st, clk := newFixture(t)
	enqueue(t, st, "low_stock:chips:3")
	mailer := &countingMailer{}
	w := NewWorker(failingLock{}, st, mailer, Options{Now: clk.Now})
	w.tick(context.Background())
	if w.IsLeader() || mailer.Calls() != 0 {
		t.Fatalf("expected no dispatch without the lock")
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &countingMailer{fail: errors.New("timeout")}
	b := NewBreakerMailer(inner, 2, time.Hour)
	for i := 0; i < 4; i++ {
		_ = b.Send(context.Background(), Message{To: []string{"x@example.com"}})
	}
	if inner.Calls() != 2 {
		t.Fatalf("expected breaker to stop calls after 2 failures, got %d", inner.Calls())
	}
	if b.State() != "open" {
		t.Fatalf("expected open breaker, got %s", b.State())
	}
}

func TestOpenBreakerLeavesEntriesPending(t *testing.T) {
	st, clk := newFixture(t)
	for i := 0; i < 10; i++ {
		enqueue(t, st, fmt.Sprintf("low_stock:p%d:3", i))
	}
	transport := &countingMailer{fail: errors.New("connection refused")}
	w := NewWorker(leader.NewArbiter().Lock("n", "a"), st, NewBreakerMailer(transport, 5, time.Hour), Options{
		Now:        clk.Now,
		Recipients: []string{"ops@example.com"},
	})
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		clk.Advance(20 * time.Minute)
	}
	if transport.Calls() != 5 {
		t.Fatalf("expected the breaker to stop the transport after 5 failures, got %d calls", transport.Calls())
	}

	all, _ := st.ListNotifications(ctx, "", 20)
	attempted := 0
	for _, entry := range all {
		if entry.Status != domain.NotificationPending {
			t.Fatalf("expected %s to stay pending, got %s after %d attempts", entry.DedupeKey, entry.Status, entry.Attempts)
		}
		attempted += entry.Attempts
	}
	if attempted != 5 {
		t.Fatalf("expected only real sends to count as attempts, got %d", attempted)
	}

	// Once mail is back every entry goes out.
	healthy := &countingMailer{}
	recovered := NewWorker(leader.NewArbiter().Lock("n", "a"), st, healthy, Options{Now: clk.Now, Recipients: []string{"ops@example.com"}})
	if n, err := recovered.RunOnce(ctx); err != nil || n != 10 {
		t.Fatalf("expected 10 delivered after recovery, got %d %v", n, err)
	}
}

func TestBreakerRejectionIsUnavailable(t *testing.T) {
	b := NewBreakerMailer(&countingMailer{fail: errors.New("timeout")}, 1, time.Hour)
	if err := b.Send(context.Background(), Message{}); errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected the first failure to come from the transport, got %v", err)
	}
	if err := b.Send(context.Background(), Message{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from the open breaker, got %v", err)
	}
}
