package volume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/pricealert/internal/models"
)

const keyPrefix = "volume:"

// RedisStore keeps the latest volume record per item as JSON under "volume:<id>".
type RedisStore struct {
	client *redis.Client
}

var (
	_ Store  = (*RedisStore)(nil)
	_ Writer = (*RedisStore)(nil)
)

// NewRedisStore connects to addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: client}
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func volumeKey(itemID int) string {
	return keyPrefix + strconv.Itoa(itemID)
}

// LatestVolume implements Store. Malformed values are treated as absent.
func (r *RedisStore) LatestVolume(ctx context.Context, itemID int) (models.VolumeRecord, bool, error) {
	data, err := r.client.Get(ctx, volumeKey(itemID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.VolumeRecord{}, false, nil
	}
	if err != nil {
		return models.VolumeRecord{}, false, fmt.Errorf("failed to get volume: %w", err)
	}

	var rec models.VolumeRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return models.VolumeRecord{}, false, nil
	}
	return rec, true, nil
}

// PutVolumes implements Writer. Older records never overwrite newer ones within a batch;
// across batches the last write wins.
func (r *RedisStore) PutVolumes(ctx context.Context, recs []models.VolumeRecord) error {
	if len(recs) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, rec := range latestPerItem(recs) {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal volume: %w", err)
		}
		pipe.Set(ctx, volumeKey(rec.ItemID), data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store volumes: %w", err)
	}
	return nil
}

func latestPerItem(recs []models.VolumeRecord) map[int]models.VolumeRecord {
	out := make(map[int]models.VolumeRecord, len(recs))
	for _, rec := range recs {
		if cur, ok := out[rec.ItemID]; ok && !rec.At.After(cur.At) {
			continue
		}
		out[rec.ItemID] = rec
	}
	return out
}
