package dedup

import (
	"context"
	"time"

	"followup-engine/internal/cache"
)

// RedisIndex keeps one Redis set per campaign so claims are shared across processes.
type RedisIndex struct {
	redis  *cache.Redis
	prefix string
	ttl    time.Duration
}

// NewRedisIndex builds a RedisIndex. A zero ttl keeps sets until Forget.
func NewRedisIndex(r *cache.Redis, prefix string, ttl time.Duration) *RedisIndex {
	if prefix == "" {
		prefix = "dedup"
	}
	return &RedisIndex{redis: r, prefix: prefix, ttl: ttl}
}

func (i *RedisIndex) key(campaignID string) string {
	return i.prefix + ":" + campaignID
}

func (i *RedisIndex) IsNew(ctx context.Context, campaignID, recipient string) (bool, error) {
	seen, err := i.redis.IsMember(ctx, i.key(campaignID), recipient)
	if err != nil {
		return false, err
	}
	return !seen, nil
}

func (i *RedisIndex) MarkSent(ctx context.Context, campaignID, recipient string) (bool, error) {
	return i.redis.ClaimMember(ctx, i.key(campaignID), recipient, i.ttl)
}

func (i *RedisIndex) Release(ctx context.Context, campaignID, recipient string) error {
	return i.redis.RemoveMember(ctx, i.key(campaignID), recipient)
}

func (i *RedisIndex) Refresh(ctx context.Context, campaignID string, recipients []string) error {
	return i.redis.AddMembers(ctx, i.key(campaignID), recipients, i.ttl)
}

func (i *RedisIndex) Forget(ctx context.Context, campaignID string) error {
	return i.redis.Delete(ctx, i.key(campaignID))
}
