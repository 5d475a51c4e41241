package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bidwatch/internal/domain"

	"github.com/go-redis/redis/v8"
)

const snapshotTTL = 10 * time.Minute

// RedisSnapshotCache keeps the latest snapshot per auction for cheap
// cross-instance reads.
type RedisSnapshotCache struct {
	client *redis.Client
}

func NewSnapshotCache(client *redis.Client) *RedisSnapshotCache {
	return &RedisSnapshotCache{client: client}
}

func (r *RedisSnapshotCache) SetSnapshot(ctx context.Context, auctionID string, snap *domain.Snapshot) error {
	key := fmt.Sprintf("auction:%s:snapshot", auctionID)

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, snapshotTTL).Err()
}

func (r *RedisSnapshotCache) GetSnapshot(ctx context.Context, auctionID string) (*domain.Snapshot, error) {
	key := fmt.Sprintf("auction:%s:snapshot", auctionID)

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
