package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/songgen/internal/model"
)

// RedisTierResolver reads a user's plan from the "tier" field of the
// user:{id} hash. Missing users or fields resolve to the standard tier.
type RedisTierResolver struct {
	redis *redis.Client
}

func NewRedisTierResolver(redisClient *redis.Client) *RedisTierResolver {
	return &RedisTierResolver{redis: redisClient}
}

func (r *RedisTierResolver) ResolveTier(ctx context.Context, userID string) (model.Tier, error) {
	label, err := r.redis.HGet(ctx, fmt.Sprintf("user:%s", userID), "tier").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.TierStandard, nil
		}
		return model.TierStandard, fmt.Errorf("failed to read tier: %w", err)
	}
	return model.ParseTier(label), nil
}

// SetTier stores a user's plan label.
func (r *RedisTierResolver) SetTier(ctx context.Context, userID, label string) error {
	return r.redis.HSet(ctx, fmt.Sprintf("user:%s", userID), "tier", label).Err()
}
