package cache

import (
	"context"
	"time"

	"snackkiosk/backend/internal/domain"
)

// FeedKey is the single cache key holding the product feed catalog.
const FeedKey = "feed:catalog:v1"

type FeedCache interface {
	Get(ctx context.Context, key string) (*domain.FeedCatalog, bool, error)
	Set(ctx context.Context, key string, value *domain.FeedCatalog, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopFeedCache struct{}

func (NoopFeedCache) Get(_ context.Context, _ string) (*domain.FeedCatalog, bool, error) {
	return nil, false, nil
}

func (NoopFeedCache) Set(_ context.Context, _ string, _ *domain.FeedCatalog, _ time.Duration) error {
	return nil
}

func (NoopFeedCache) Delete(_ context.Context, _ string) error {
	return nil
}
