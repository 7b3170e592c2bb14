package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBroadcastRepository_FetchSinceCursor tests that Fetch returns only
// messages strictly newer than the cursor, oldest first
func TestBroadcastRepository_FetchSinceCursor(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisBroadcastRepository(client, zerolog.Nop())
	ctx := context.Background()

	// ARRANGE: messages at timestamps 5, 10, 15
	for _, ts := range []int64{5, 10, 15} {
		err := repo.Append(ctx, models.ChannelLocks, messageAt(t, ts), 0)
		require.NoError(t, err)
	}

	// ACT
	messages, err := repo.Fetch(ctx, models.ChannelLocks, 7, 100)

	// ASSERT
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, int64(10), messages[0].Timestamp)
	assert.Equal(t, int64(15), messages[1].Timestamp)
}

// TestBroadcastRepository_SameMillisecond tests that messages sharing a
// timestamp are all stored and returned
func TestBroadcastRepository_SameMillisecond(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisBroadcastRepository(client, zerolog.Nop())
	ctx := context.Background()

	first := messageAt(t, 42)
	second := messageAt(t, 42)
	require.NotEqual(t, first.ID, second.ID, "IDs must be unique within a millisecond")

	require.NoError(t, repo.Append(ctx, models.ChannelLocks, first, 0))
	require.NoError(t, repo.Append(ctx, models.ChannelLocks, second, 0))

	messages, err := repo.Fetch(ctx, models.ChannelLocks, 41, 100)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

// TestBroadcastRepository_LimitKeepsTimestampGroups tests that the limit
// never splits messages sharing the boundary timestamp
func TestBroadcastRepository_LimitKeepsTimestampGroups(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisBroadcastRepository(client, zerolog.Nop())
	ctx := context.Background()

	for _, ts := range []int64{1, 2, 3, 3, 4} {
		require.NoError(t, repo.Append(ctx, "c", messageAt(t, ts), 0))
	}

	// ACT: a limit of 3 would cut between the two messages at 3
	messages, err := repo.Fetch(ctx, "c", 0, 3)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, int64(2), messages[1].Timestamp)

	// The next page starts at the deferred group
	messages, err = repo.Fetch(ctx, "c", 2, 3)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, int64(3), messages[0].Timestamp)
	assert.Equal(t, int64(3), messages[1].Timestamp)
	assert.Equal(t, int64(4), messages[2].Timestamp)
}

// TestBroadcastRepository_LimitSingleGroup tests that a group larger than
// the limit is returned whole instead of stalling the cursor
func TestBroadcastRepository_LimitSingleGroup(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisBroadcastRepository(client, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, repo.Append(ctx, "c", messageAt(t, 9), 0))
	}

	messages, err := repo.Fetch(ctx, "c", 0, 2)
	require.NoError(t, err)
	assert.Len(t, messages, 4)
}

func TestBroadcastRepository_LatestTimestamp(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisBroadcastRepository(client, zerolog.Nop())
	ctx := context.Background()

	ts, err := repo.LatestTimestamp(ctx, models.ChannelEvents)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ts, "empty channel has no latest timestamp")

	require.NoError(t, repo.Append(ctx, models.ChannelEvents, messageAt(t, 100), 0))
	require.NoError(t, repo.Append(ctx, models.ChannelEvents, messageAt(t, 250), 0))

	ts, err = repo.LatestTimestamp(ctx, models.ChannelEvents)
	require.NoError(t, err)
	assert.Equal(t, int64(250), ts)
}

// TestBroadcastRepository_TrimsExpired tests the opportunistic TTL sweep on
// append
func TestBroadcastRepository_TrimsExpired(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisBroadcastRepository(client, zerolog.Nop())
	ctx := context.Background()

	now := time.Now().UnixMilli()
	require.NoError(t, repo.Append(ctx, models.ChannelLocks, messageAt(t, now-10*time.Minute.Milliseconds()), 0))

	// ACT: a fresh append with a 5 minute TTL
	require.NoError(t, repo.Append(ctx, models.ChannelLocks, messageAt(t, now), 5*time.Minute))

	// ASSERT: the 10 minute old entry is eventually removed
	assert.Eventually(t, func() bool {
		messages, err := repo.Fetch(ctx, models.ChannelLocks, 0, 100)
		return err == nil && len(messages) == 1 && messages[0].Timestamp == now
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcastRepository_AppendPrivateSetsExpiry(t *testing.T) {
	client, mr := getTestRedisClient(t)
	repo := NewRedisBroadcastRepository(client, zerolog.Nop())
	ctx := context.Background()

	channel := models.ResourceChannel(models.ResourceBooking, "b1")
	require.NoError(t, repo.AppendPrivate(ctx, channel, messageAt(t, time.Now().UnixMilli()), time.Hour))

	assert.Equal(t, time.Hour, mr.TTL(broadcastKey(channel)))
}

// TestBroadcastRepository_NotConfigured tests graceful degradation without
// Redis
func TestBroadcastRepository_NotConfigured(t *testing.T) {
	repo := NewRedisBroadcastRepository(nil, zerolog.Nop())
	ctx := context.Background()

	assert.False(t, repo.Configured())
	assert.NoError(t, repo.Append(ctx, models.ChannelLocks, messageAt(t, 1), time.Minute))
	assert.NoError(t, repo.AppendPrivate(ctx, "resource:booking:b1", messageAt(t, 1), time.Hour))

	messages, err := repo.Fetch(ctx, models.ChannelLocks, 0, 10)
	assert.NoError(t, err)
	assert.Empty(t, messages)

	ts, err := repo.LatestTimestamp(ctx, models.ChannelLocks)
	assert.NoError(t, err)
	assert.Zero(t, ts)
}

// Helper functions for test setup

// getTestRedisClient returns a client backed by an in-process miniredis
func getTestRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func messageAt(t *testing.T, ts int64) *models.BroadcastMessage {
	t.Helper()
	msg, err := models.NewBroadcastMessage(models.EventLockReleased, map[string]string{"resource_id": "b1"}, time.UnixMilli(ts))
	require.NoError(t, err)
	return msg
}
