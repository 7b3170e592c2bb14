package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	broadcastKeyPrefix = "broadcast:"
	trimTimeout        = 2 * time.Second
	DefaultFetchLimit  = 100
)

var tracer = otel.Tracer("github.com/prudhvinik1/venuelock/internal/repositories")

// RedisBroadcastRepository stores each channel as a sorted set scored by
// message timestamp. A nil client means the log is not configured.
type RedisBroadcastRepository struct {
	client *redis.Client
	log    zerolog.Logger

	warnOnce sync.Once
}

func NewRedisBroadcastRepository(client *redis.Client, log zerolog.Logger) *RedisBroadcastRepository {
	return &RedisBroadcastRepository{client: client, log: log}
}

func (r *RedisBroadcastRepository) Configured() bool {
	if r.client == nil {
		r.warnOnce.Do(func() {
			r.log.Warn().Msg("broadcast log not configured; cross-instance delivery disabled")
		})
		return false
	}
	return true
}

func (r *RedisBroadcastRepository) Append(ctx context.Context, channel string, msg *models.BroadcastMessage, ttl time.Duration) error {
	if !r.Configured() {
		return nil
	}
	ctx, span := tracer.Start(ctx, "Broadcast.Append", trace.WithAttributes(
		attribute.String("broadcast.channel", channel),
		attribute.String("broadcast.type", msg.Type),
	))
	defer span.End()

	if err := r.append(ctx, channel, msg); err != nil {
		span.RecordError(err)
		return err
	}
	r.trim(channel, msg.Timestamp, ttl)
	return nil
}

func (r *RedisBroadcastRepository) AppendPrivate(ctx context.Context, channel string, msg *models.BroadcastMessage, ttl time.Duration) error {
	if !r.Configured() {
		return nil
	}
	ctx, span := tracer.Start(ctx, "Broadcast.AppendPrivate", trace.WithAttributes(
		attribute.String("broadcast.channel", channel),
		attribute.String("broadcast.type", msg.Type),
	))
	defer span.End()

	if err := r.append(ctx, channel, msg); err != nil {
		span.RecordError(err)
		return err
	}
	if ttl > 0 {
		if err := r.client.Expire(ctx, broadcastKey(channel), ttl).Err(); err != nil {
			return fmt.Errorf("failed to set private queue expiry: %w", err)
		}
	}
	r.trim(channel, msg.Timestamp, ttl)
	return nil
}

func (r *RedisBroadcastRepository) append(ctx context.Context, channel string, msg *models.BroadcastMessage) error {
	member, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast message: %w", err)
	}

	// The member embeds the unique message ID, so two messages in the same
	// millisecond are stored as distinct members with equal scores.
	err = r.client.ZAdd(ctx, broadcastKey(channel), redis.Z{
		Score:  float64(msg.Timestamp),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append broadcast message: %w", err)
	}
	return nil
}

// trim drops entries older than ttl in the background.
func (r *RedisBroadcastRepository) trim(channel string, now int64, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := now - ttl.Milliseconds()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), trimTimeout)
		defer cancel()
		upper := "(" + strconv.FormatInt(cutoff, 10)
		if err := r.client.ZRemRangeByScore(ctx, broadcastKey(channel), "-inf", upper).Err(); err != nil {
			r.log.Warn().Err(err).Str("channel", channel).Msg("failed to trim broadcast channel")
		}
	}()
}

// Fetch reads forward from the cursor on the score index, so the cost is
// bounded by the number of new entries, not by the channel size. When the
// limit would split a group of entries sharing one timestamp, the group is
// deferred to the next fetch so that advancing the cursor never skips it.
func (r *RedisBroadcastRepository) Fetch(ctx context.Context, channel string, since int64, limit int) ([]models.BroadcastMessage, error) {
	if !r.Configured() {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	ctx, span := tracer.Start(ctx, "Broadcast.Fetch", trace.WithAttributes(
		attribute.String("broadcast.channel", channel),
		attribute.Int64("broadcast.since", since),
	))
	defer span.End()

	members, err := r.client.ZRangeByScore(ctx, broadcastKey(channel), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(since, 10),
		Max:   "+inf",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch broadcast messages: %w", err)
	}

	messages := decodeMessages(members, r.log)
	if len(messages) <= limit {
		return messages, nil
	}

	boundary := messages[limit-1].Timestamp
	if messages[limit].Timestamp != boundary {
		return messages[:limit], nil
	}

	cut := limit - 1
	for cut >= 0 && messages[cut].Timestamp == boundary {
		cut--
	}
	if cut >= 0 {
		return messages[:cut+1], nil
	}

	// Every entry in the window shares one timestamp: return the whole group.
	score := strconv.FormatInt(boundary, 10)
	members, err = r.client.ZRangeByScore(ctx, broadcastKey(channel), &redis.ZRangeBy{
		Min: score,
		Max: score,
	}).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch broadcast messages: %w", err)
	}
	return decodeMessages(members, r.log), nil
}

func (r *RedisBroadcastRepository) LatestTimestamp(ctx context.Context, channel string) (int64, error) {
	if !r.Configured() {
		return 0, nil
	}
	entries, err := r.client.ZRevRangeWithScores(ctx, broadcastKey(channel), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read latest broadcast timestamp: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return int64(entries[0].Score), nil
}

func decodeMessages(members []string, log zerolog.Logger) []models.BroadcastMessage {
	messages := make([]models.BroadcastMessage, 0, len(members))
	for _, member := range members {
		var msg models.BroadcastMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable broadcast message")
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

func broadcastKey(channel string) string {
	return broadcastKeyPrefix + channel
}
