// Package leader elects a single process for cluster-wide singleton work.
package leader

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Lock is a non-blocking mutual-exclusion primitive. TryAcquire returns true
// while the caller holds the lock; holders call it again on every iteration
// to re-affirm. A failure to reach the backing store means "not leader".
type Lock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Key maps a lock identifier to the int64 key used by advisory locks.
// Numeric identifiers are used as-is.
func Key(id string) int64 {
	id = strings.TrimSpace(id)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return int64(xxhash.Sum64String(id))
}

// Arbiter hands out in-process locks. It backs single-process deployments
// and lets tests run several workers against one lock.
type Arbiter struct {
	mu      sync.Mutex
	holders map[string]string
}

func NewArbiter() *Arbiter {
	return &Arbiter{holders: make(map[string]string)}
}

// Lock returns the lock called name as seen by owner.
func (a *Arbiter) Lock(name, owner string) *ArbiterLock {
	return &ArbiterLock{arbiter: a, name: name, owner: owner}
}

// Drop forgets the holder of name, as if its process had died.
func (a *Arbiter) Drop(name string) {
	a.mu.Lock()
	delete(a.holders, name)
	a.mu.Unlock()
}

func (a *Arbiter) Holder(name string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holders[name]
}

type ArbiterLock struct {
	arbiter *Arbiter
	name    string
	owner   string
}

func (l *ArbiterLock) TryAcquire(_ context.Context) (bool, error) {
	l.arbiter.mu.Lock()
	defer l.arbiter.mu.Unlock()
	holder, held := l.arbiter.holders[l.name]
	if held && holder != l.owner {
		return false, nil
	}
	l.arbiter.holders[l.name] = l.owner
	return true, nil
}

func (l *ArbiterLock) Release(_ context.Context) error {
	l.arbiter.mu.Lock()
	defer l.arbiter.mu.Unlock()
	if l.arbiter.holders[l.name] == l.owner {
		delete(l.arbiter.holders, l.name)
	}
	return nil
}
