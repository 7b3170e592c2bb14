package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix  = "presence:"
	presenceIndexKey   = "presence:index"
	DefaultPresenceTTL = 90 * time.Second // three missed 30s heartbeats
)

type RedisPresenceRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresenceRepository(client *redis.Client, ttl time.Duration) *RedisPresenceRepository {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisPresenceRepository{client: client, ttl: ttl}
}

// SetPresence sets or refreshes a subscriber's presence with automatic TTL.
// The stream manager calls this on every heartbeat.
func (r *RedisPresenceRepository) SetPresence(ctx context.Context, presence *models.Presence) error {
	presence.LastSeen = time.Now()
	presence.Status = string(models.StatusOnline)

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, presenceKey(presence.SubscriberID), data, r.ttl)
		pipe.ZAdd(ctx, presenceIndexKey, redis.Z{
			Score:  float64(presence.LastSeen.UnixMilli()),
			Member: presence.SubscriberID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) DeletePresence(ctx context.Context, subscriberID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, presenceKey(subscriberID))
		pipe.ZRem(ctx, presenceIndexKey, subscriberID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// ListPresence returns every subscriber seen within the TTL, across all
// instances, in one index read plus one MGET.
func (r *RedisPresenceRepository) ListPresence(ctx context.Context) ([]models.Presence, error) {
	cutoff := time.Now().Add(-r.ttl).UnixMilli()

	// Lazy cleanup of index entries whose keys already expired
	if err := r.client.ZRemRangeByScore(ctx, presenceIndexKey, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune presence index: %w", err)
	}

	ids, err := r.client.ZRange(ctx, presenceIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence index: %w", err)
	}
	if len(ids) == 0 {
		return []models.Presence{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = presenceKey(id)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	presences := make([]models.Presence, 0, len(results))
	for _, result := range results {
		if result == nil {
			continue
		}
		data, ok := result.(string)
		if !ok {
			continue
		}
		var presence models.Presence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			continue
		}
		presences = append(presences, presence)
	}
	return presences, nil
}

func presenceKey(subscriberID string) string {
	return presenceKeyPrefix + subscriberID
}
