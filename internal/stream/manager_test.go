package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/prudhvinik1/venuelock/internal/repositories"
	"github.com/prudhvinik1/venuelock/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SubscribeSendsSnapshotFirst(t *testing.T) {
	locks := &stubSnapshots{locks: []*models.ActionLock{testLock("l1", "b1")}}
	m := NewManager(Config{}, unconfiguredLog(), locks, nil, zerolog.Nop())
	sink := newFakeSink()

	// ACT
	sub, err := m.Subscribe(testContext(t), SubscribeRequest{Kind: KindLocks, Admin: "alice@example.com"}, sink)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, models.ChannelLocks, sub.Channel)

	first := sink.messages()[0]
	assert.Equal(t, models.EventLocksInitial, first.Type)
	var snapshot models.Snapshot
	require.NoError(t, json.Unmarshal(first.Data, &snapshot))
	require.Len(t, snapshot.Locks, 1)
	assert.Equal(t, "l1", snapshot.Locks[0].ID)
}

func TestManager_EventsStreamSnapshot(t *testing.T) {
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	sink := newFakeSink()

	_, err := m.Subscribe(testContext(t), SubscribeRequest{Kind: KindEvents}, sink)

	require.NoError(t, err)
	assert.Equal(t, models.EventEventsInitial, sink.messages()[0].Type)
}

// TestManager_CapacityExceeded tests that the subscriber over capacity gets
// an explicit error event rather than a silent close
func TestManager_CapacityExceeded(t *testing.T) {
	m := NewManager(Config{MaxSubscribers: 1}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	ctx := testContext(t)

	_, err := m.Subscribe(ctx, SubscribeRequest{Kind: KindLocks}, newFakeSink())
	require.NoError(t, err)

	// ACT
	rejected := newFakeSink()
	_, err = m.Subscribe(ctx, SubscribeRequest{Kind: KindLocks}, rejected)

	// ASSERT
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 1, m.Count())
	require.Len(t, rejected.messages(), 1)
	assert.Equal(t, models.EventError, rejected.messages()[0].Type)
	assert.Contains(t, string(rejected.messages()[0].Data), "capacity_exceeded")
}

func TestManager_ResourceStreamRequiresTarget(t *testing.T) {
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())

	_, err := m.Subscribe(testContext(t), SubscribeRequest{
		Kind:   KindResource,
		Filter: models.ResourceFilter{ResourceType: models.ResourceBooking},
	}, newFakeSink())

	assert.ErrorIs(t, err, ErrInvalidStream)
	assert.Zero(t, m.Count())
}

func TestManager_SnapshotFailureUnregisters(t *testing.T) {
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{err: errors.New("db down")}, nil, zerolog.Nop())

	_, err := m.Subscribe(testContext(t), SubscribeRequest{Kind: KindLocks}, newFakeSink())

	assert.Error(t, err)
	assert.Zero(t, m.Count())
}

// TestManager_DispatchAppliesFilters tests optional-field filter matching
// on local delivery
func TestManager_DispatchAppliesFilters(t *testing.T) {
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	ctx := testContext(t)

	filtered := newFakeSink()
	_, err := m.Subscribe(ctx, SubscribeRequest{
		Kind:   KindLocks,
		Filter: models.ResourceFilter{ResourceType: models.ResourceBooking, ResourceID: "b1"},
	}, filtered)
	require.NoError(t, err)
	everything := newFakeSink()
	_, err = m.Subscribe(ctx, SubscribeRequest{Kind: KindLocks}, everything)
	require.NoError(t, err)

	// ACT
	m.Dispatch(models.ChannelLocks, lockMessage(t, models.EventLockAcquired, testLock("l1", "b1")))
	m.Dispatch(models.ChannelLocks, lockMessage(t, models.EventLockAcquired, testLock("l2", "b2")))
	m.Dispatch(models.ChannelEvents, lockMessage(t, models.EventLockAcquired, testLock("l3", "b1")))

	// ASSERT
	require.Eventually(t, func() bool { return len(everything.messages()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(filtered.messages()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, filtered.messages(), 2, "snapshot plus the b1 event only")
	assert.Equal(t, "b1", filtered.messages()[1].Target().ResourceID)
}

func TestManager_UntargetedEventsReachFilteredSubscribers(t *testing.T) {
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	sink := newFakeSink()
	_, err := m.Subscribe(testContext(t), SubscribeRequest{
		Kind:   KindEvents,
		Filter: models.ResourceFilter{ResourceType: models.ResourceBooking},
	}, sink)
	require.NoError(t, err)

	stats, err := models.NewBroadcastMessage(models.EventStatsChanged, map[string]int{"pending": 2}, time.Now())
	require.NoError(t, err)
	m.Dispatch(models.ChannelEvents, stats)

	require.Eventually(t, func() bool { return len(sink.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.EventStatsChanged, sink.messages()[1].Type)
}

// TestManager_FailedPushRemovesSubscriber tests that a broken connection
// drops out of the registry
func TestManager_FailedPushRemovesSubscriber(t *testing.T) {
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	sink := newFakeSink()
	sub, err := m.Subscribe(testContext(t), SubscribeRequest{Kind: KindLocks}, sink)
	require.NoError(t, err)

	sink.fail()
	m.Dispatch(models.ChannelLocks, lockMessage(t, models.EventLockReleased, testLock("l1", "b1")))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber was not removed")
	}
	assert.Zero(t, m.Count())
}

func TestManager_HeartbeatUpdatesLastHeartbeat(t *testing.T) {
	m := NewManager(Config{HeartbeatInterval: 10 * time.Millisecond}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	sink := newFakeSink()
	sub, err := m.Subscribe(testContext(t), SubscribeRequest{Kind: KindLocks}, sink)
	require.NoError(t, err)
	registered := sub.LastHeartbeat()

	require.Eventually(t, func() bool {
		return sink.count(models.EventHeartbeat) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, sub.LastHeartbeat().After(registered))
}

// TestManager_SweepStale tests that subscribers silent past the window are
// closed
func TestManager_SweepStale(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewManager(Config{StaleAfter: time.Minute}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	m.now = clock.Now
	sub, err := m.Subscribe(testContext(t), SubscribeRequest{Kind: KindLocks}, newFakeSink())
	require.NoError(t, err)

	assert.Zero(t, m.SweepStale())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.SweepStale())

	<-sub.Done()
	assert.Zero(t, m.Count())
}

func TestManager_UnsubscribeAndClose(t *testing.T) {
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	ctx := testContext(t)

	first, err := m.Subscribe(ctx, SubscribeRequest{Kind: KindLocks}, newFakeSink())
	require.NoError(t, err)
	second, err := m.Subscribe(ctx, SubscribeRequest{Kind: KindEvents}, newFakeSink())
	require.NoError(t, err)

	m.Unsubscribe(first)
	<-first.Done()
	assert.Equal(t, 1, m.Count())

	m.Close()
	<-second.Done()
	assert.Zero(t, m.Count())

	_, err = m.Subscribe(ctx, SubscribeRequest{Kind: KindLocks}, newFakeSink())
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_ContextCancelStopsSubscriber(t *testing.T) {
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := m.Subscribe(ctx, SubscribeRequest{Kind: KindLocks}, newFakeSink())
	require.NoError(t, err)
	cancel()

	<-sub.Done()
	assert.Zero(t, m.Count())
}

// TestManager_CrossInstanceFanOut is the fan-out scenario: an event
// published on instance A reaches a subscriber on instance B through the
// shared log, and A's own subscriber gets it exactly once
func TestManager_CrossInstanceFanOut(t *testing.T) {
	client, _ := newTestRedis(t)
	ctx := testContext(t)
	cfg := Config{PollInterval: 10 * time.Millisecond}

	logA := repositories.NewRedisBroadcastRepository(client, zerolog.Nop())
	logB := repositories.NewRedisBroadcastRepository(client, zerolog.Nop())
	managerA := NewManager(cfg, logA, &stubSnapshots{}, nil, zerolog.Nop())
	managerB := NewManager(cfg, logB, &stubSnapshots{}, nil, zerolog.Nop())
	publisherA := services.NewEventPublisher(logA, services.EventPublisherConfig{}, zerolog.Nop())
	publisherA.AddDispatcher(managerA)

	sinkA := newFakeSink()
	_, err := managerA.Subscribe(ctx, SubscribeRequest{Kind: KindLocks}, sinkA)
	require.NoError(t, err)
	sinkB := newFakeSink()
	_, err = managerB.Subscribe(ctx, SubscribeRequest{
		Kind:   KindLocks,
		Filter: models.ResourceFilter{ResourceType: models.ResourceBooking, ResourceID: "b1"},
	}, sinkB)
	require.NoError(t, err)

	// ACT
	id := publisherA.PublishLockEvent(ctx, models.EventLockAcquired, testLock("l1", "b1"))
	require.NotEmpty(t, id)

	// ASSERT
	require.Eventually(t, func() bool {
		return sinkB.count(models.EventLockAcquired) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return sinkA.count(models.EventLockAcquired) == 1
	}, time.Second, 5*time.Millisecond)

	// Several more polls must not re-deliver on either instance.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sinkA.count(models.EventLockAcquired))
	assert.Equal(t, 1, sinkB.count(models.EventLockAcquired))
}

// TestManager_PollDeliversLateSameMillisecondEntries tests that an entry
// appended after a poll, with the timestamp the cursor already reached, is
// still delivered once
func TestManager_PollDeliversLateSameMillisecondEntries(t *testing.T) {
	client, _ := newTestRedis(t)
	ctx := testContext(t)
	broadcast := repositories.NewRedisBroadcastRepository(client, zerolog.Nop())
	m := NewManager(Config{PollInterval: 10 * time.Millisecond}, broadcast, &stubSnapshots{}, nil, zerolog.Nop())

	sink := newFakeSink()
	_, err := m.Subscribe(ctx, SubscribeRequest{Kind: KindEvents}, sink)
	require.NoError(t, err)

	ts := time.Now().Add(time.Second)
	first, err := models.NewBroadcastMessage(models.EventStatsChanged, nil, ts)
	require.NoError(t, err)
	require.NoError(t, broadcast.Append(ctx, models.ChannelEvents, first, time.Minute))
	require.Eventually(t, func() bool { return sink.count(models.EventStatsChanged) == 1 }, time.Second, 5*time.Millisecond)

	// ACT
	second, err := models.NewBroadcastMessage(models.EventStatsChanged, nil, ts)
	require.NoError(t, err)
	require.NoError(t, broadcast.Append(ctx, models.ChannelEvents, second, time.Minute))

	// ASSERT
	require.Eventually(t, func() bool { return sink.count(models.EventStatsChanged) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sink.count(models.EventStatsChanged))
}

// TestManager_CrossInstanceFilterExcludes tests that a subscriber on another
// instance whose filter does not match never receives the event from the
// shared log
func TestManager_CrossInstanceFilterExcludes(t *testing.T) {
	client, _ := newTestRedis(t)
	ctx := testContext(t)
	cfg := Config{PollInterval: 10 * time.Millisecond}

	logA := repositories.NewRedisBroadcastRepository(client, zerolog.Nop())
	logB := repositories.NewRedisBroadcastRepository(client, zerolog.Nop())
	managerA := NewManager(cfg, logA, &stubSnapshots{}, nil, zerolog.Nop())
	managerB := NewManager(cfg, logB, &stubSnapshots{}, nil, zerolog.Nop())
	publisherA := services.NewEventPublisher(logA, services.EventPublisherConfig{}, zerolog.Nop())
	publisherA.AddDispatcher(managerA)

	sinkB := newFakeSink()
	_, err := managerB.Subscribe(ctx, SubscribeRequest{
		Kind:   KindLocks,
		Filter: models.ResourceFilter{ResourceType: models.ResourceBooking, ResourceID: "b2"},
	}, sinkB)
	require.NoError(t, err)

	// ACT
	require.NotEmpty(t, publisherA.PublishLockEvent(ctx, models.EventLockAcquired, testLock("l1", "b1")))
	require.NotEmpty(t, publisherA.PublishLockEvent(ctx, models.EventLockAcquired, testLock("l2", "b2")))

	// ASSERT
	require.Eventually(t, func() bool {
		return sinkB.count(models.EventLockAcquired) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	for _, msg := range sinkB.messages() {
		if msg.Type == models.EventLockAcquired {
			assert.Equal(t, "b2", msg.Target().ResourceID)
		}
	}
	assert.Equal(t, 1, sinkB.count(models.EventLockAcquired))
}

// TestManager_DispatchDisconnectsSlowSubscriber tests that a subscriber whose
// queue is full is dropped instead of blocking the publisher
func TestManager_DispatchDisconnectsSlowSubscriber(t *testing.T) {
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	sink := newBlockingSink()
	t.Cleanup(sink.release)
	sub, err := m.Subscribe(testContext(t), SubscribeRequest{Kind: KindLocks}, sink)
	require.NoError(t, err)

	// ACT
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for i := 0; i < outboundBuffer+8; i++ {
			m.Dispatch(models.ChannelLocks, lockMessage(t, models.EventLockAcquired, testLock("l1", "b1")))
		}
	}()

	// ASSERT
	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a slow subscriber")
	}
	sink.release()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
	assert.Zero(t, m.Count())
	assert.Less(t, sink.sent(), outboundBuffer+8+1)
}

// TestManager_SeenIDsStayBoundedWithoutBroadcastLog tests that local delivery
// without a broadcast log keeps no per-message state
func TestManager_SeenIDsStayBoundedWithoutBroadcastLog(t *testing.T) {
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	sink := newFakeSink()
	sub, err := m.Subscribe(testContext(t), SubscribeRequest{Kind: KindLocks}, sink)
	require.NoError(t, err)

	// ACT
	for i := 0; i < 500; i++ {
		m.Dispatch(models.ChannelLocks, lockMessage(t, models.EventLockAcquired, testLock("l1", "b1")))
		if i%32 == 0 {
			require.Eventually(t, func() bool {
				return sink.count(models.EventLockAcquired) == i+1
			}, time.Second, time.Millisecond)
		}
	}

	// ASSERT
	require.Eventually(t, func() bool {
		return sink.count(models.EventLockAcquired) == 500
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, seenCount(sub))
}

// TestManager_HeartbeatForgetsOldSeenIDs tests that delivered ids expire on
// the heartbeat even while the broadcast log cannot be polled
func TestManager_HeartbeatForgetsOldSeenIDs(t *testing.T) {
	client, mr := newTestRedis(t)
	broadcast := repositories.NewRedisBroadcastRepository(client, zerolog.Nop())
	m := NewManager(Config{
		HeartbeatInterval: 10 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		DedupeWindow:      time.Millisecond,
	}, broadcast, &stubSnapshots{}, nil, zerolog.Nop())
	sink := newFakeSink()
	sub, err := m.Subscribe(testContext(t), SubscribeRequest{Kind: KindLocks}, sink)
	require.NoError(t, err)
	mr.SetError("LOADING redis is loading the dataset")

	// ACT
	past := time.Now().Add(-time.Second)
	for i := 0; i < 20; i++ {
		msg, err := models.NewBroadcastMessage(models.EventLockAcquired, models.NewLockEvent(testLock("l1", "b1")), past)
		require.NoError(t, err)
		m.Dispatch(models.ChannelLocks, msg)
	}

	// ASSERT
	require.Eventually(t, func() bool {
		return sink.count(models.EventLockAcquired) == 20
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return seenCount(sub) == 0
	}, time.Second, 5*time.Millisecond)
}

// TestManager_DeliveryUpdatesLastHeartbeat tests that any delivered message,
// not only heartbeats, refreshes the subscriber's liveness
func TestManager_DeliveryUpdatesLastHeartbeat(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewManager(Config{}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	m.now = clock.Now
	sink := newFakeSink()
	sub, err := m.Subscribe(testContext(t), SubscribeRequest{Kind: KindLocks}, sink)
	require.NoError(t, err)

	// ACT
	clock.Advance(time.Minute)
	m.Dispatch(models.ChannelLocks, lockMessage(t, models.EventLockReleased, testLock("l1", "b1")))

	// ASSERT
	require.Eventually(t, func() bool {
		return sink.count(models.EventLockReleased) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return sub.LastHeartbeat().Equal(clock.Now())
	}, time.Second, 5*time.Millisecond)
}

// TestManager_SubscribeFetchesEntriesAtInitialCursor tests that an entry
// appended just after subscription with the initial cursor's timestamp is
// still delivered on the events stream
func TestManager_SubscribeFetchesEntriesAtInitialCursor(t *testing.T) {
	client, _ := newTestRedis(t)
	ctx := testContext(t)
	broadcast := repositories.NewRedisBroadcastRepository(client, zerolog.Nop())
	m := NewManager(Config{PollInterval: 50 * time.Millisecond}, broadcast, &stubSnapshots{}, nil, zerolog.Nop())

	ts := time.Now().Add(time.Second)
	earlier, err := models.NewBroadcastMessage(models.EventStatsChanged, nil, ts)
	require.NoError(t, err)
	require.NoError(t, broadcast.Append(ctx, models.ChannelEvents, earlier, time.Minute))

	sink := newFakeSink()
	sub, err := m.Subscribe(ctx, SubscribeRequest{Kind: KindEvents}, sink)
	require.NoError(t, err)
	require.Equal(t, ts.UnixMilli(), sub.Cursor())

	// ACT
	late, err := models.NewBroadcastMessage(models.EventStatsChanged, nil, ts)
	require.NoError(t, err)
	require.NoError(t, broadcast.Append(ctx, models.ChannelEvents, late, time.Minute))
	next, err := models.NewBroadcastMessage(models.EventStatsChanged, nil, ts.Add(5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, broadcast.Append(ctx, models.ChannelEvents, next, time.Minute))

	// ASSERT
	require.Eventually(t, func() bool {
		return sink.count(models.EventStatsChanged) >= 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, msg := range sink.messages() {
			if msg.ID == late.ID {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestManager_PresenceLocalAndShared(t *testing.T) {
	ctx := testContext(t)

	local := NewManager(Config{InstanceID: "i1"}, unconfiguredLog(), &stubSnapshots{}, nil, zerolog.Nop())
	_, err := local.Subscribe(ctx, SubscribeRequest{Kind: KindLocks, Admin: "alice@example.com"}, newFakeSink())
	require.NoError(t, err)
	presences, err := local.Presence(ctx)
	require.NoError(t, err)
	require.Len(t, presences, 1)
	assert.Equal(t, "i1", presences[0].InstanceID)

	client, _ := newTestRedis(t)
	store := repositories.NewRedisPresenceRepository(client, time.Minute)
	shared := NewManager(Config{InstanceID: "i2"}, unconfiguredLog(), &stubSnapshots{}, store, zerolog.Nop())
	sub, err := shared.Subscribe(ctx, SubscribeRequest{Kind: KindEvents, Admin: "bob@example.com"}, newFakeSink())
	require.NoError(t, err)

	presences, err = shared.Presence(ctx)
	require.NoError(t, err)
	require.Len(t, presences, 1)
	assert.Equal(t, "bob@example.com", presences[0].AdminEmail)
	assert.Equal(t, "events", presences[0].Stream)

	shared.Unsubscribe(sub)
	<-sub.Done()
	presences, err = shared.Presence(ctx)
	require.NoError(t, err)
	assert.Empty(t, presences)
}

// Helper functions for test setup

type fakeSink struct {
	mu      sync.Mutex
	msgs    []models.BroadcastMessage
	failing bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{}
}

func (s *fakeSink) Send(msg *models.BroadcastMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("connection reset")
	}
	s.msgs = append(s.msgs, *msg)
	return nil
}

func (s *fakeSink) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = true
}

func (s *fakeSink) messages() []models.BroadcastMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BroadcastMessage{}, s.msgs...)
}

func (s *fakeSink) count(eventType string) int {
	n := 0
	for _, msg := range s.messages() {
		if msg.Type == eventType {
			n++
		}
	}
	return n
}

// blockingSink accepts the snapshot and then blocks every send until
// released.
type blockingSink struct {
	mu      sync.Mutex
	n       int
	unblock chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{unblock: make(chan struct{})}
}

func (s *blockingSink) Send(msg *models.BroadcastMessage) error {
	s.mu.Lock()
	s.n++
	first := s.n == 1
	s.mu.Unlock()
	if !first {
		<-s.unblock
	}
	return nil
}

func (s *blockingSink) release() {
	s.once.Do(func() { close(s.unblock) })
}

func (s *blockingSink) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func seenCount(sub *Subscriber) int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.seen)
}

type stubSnapshots struct {
	locks []*models.ActionLock
	err   error
}

func (s *stubSnapshots) ListActive(ctx context.Context, filter models.ResourceFilter) ([]*models.ActionLock, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*models.ActionLock
	for _, l := range s.locks {
		if filter.MatchesLock(l) {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func unconfiguredLog() repositories.BroadcastRepository {
	return repositories.NewRedisBroadcastRepository(nil, zerolog.Nop())
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func testLock(id, resourceID string) *models.ActionLock {
	now := time.Now()
	return &models.ActionLock{
		ID:           id,
		ResourceType: models.ResourceBooking,
		ResourceID:   resourceID,
		Action:       "checkin",
		AdminEmail:   "alice@example.com",
		LockedAt:     now,
		ExpiresAt:    now.Add(30 * time.Second),
	}
}

func lockMessage(t *testing.T, eventType string, lock *models.ActionLock) *models.BroadcastMessage {
	t.Helper()
	msg, err := models.NewBroadcastMessage(eventType, models.NewLockEvent(lock), time.Now())
	require.NoError(t, err)
	return msg
}
