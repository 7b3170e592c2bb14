package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/venuelock/internal/metrics"
	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/prudhvinik1/venuelock/internal/repositories"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxSubscribers    = 500
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleAfter        = 5 * time.Minute
	DefaultPollInterval      = time.Second
	DefaultDedupeWindow      = time.Hour

	outboundBuffer  = 64
	presenceTimeout = 2 * time.Second
)

var (
	ErrCapacityExceeded = errors.New("stream capacity exceeded")
	ErrManagerClosed    = errors.New("stream manager closed")
)

// SnapshotSource reads the current lock state for initial snapshots.
type SnapshotSource interface {
	ListActive(ctx context.Context, filter models.ResourceFilter) ([]*models.ActionLock, error)
}

type Config struct {
	InstanceID        string
	MaxSubscribers    int
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	PollInterval      time.Duration
	FetchLimit        int
	// DedupeWindow bounds how long a delivered id is remembered. It should
	// cover the broadcast log's retention.
	DedupeWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSubscribers <= 0 {
		c.MaxSubscribers = DefaultMaxSubscribers
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = repositories.DefaultFetchLimit
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = DefaultDedupeWindow
	}
	return c
}

// Manager is the per-instance registry of push subscribers. Events
// published on this instance arrive through Dispatch; events published
// elsewhere are picked up by each subscriber polling the broadcast log.
type Manager struct {
	cfg       Config
	broadcast repositories.BroadcastRepository
	snapshots SnapshotSource
	presence  repositories.PresenceRepository
	log       zerolog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
}

// NewManager creates a manager. presence may be nil, in which case only
// this instance's subscribers are reported.
func NewManager(
	cfg Config,
	broadcast repositories.BroadcastRepository,
	snapshots SnapshotSource,
	presence repositories.PresenceRepository,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		broadcast:   broadcast,
		snapshots:   snapshots,
		presence:    presence,
		log:         log.With().Str("component", "stream_manager").Logger(),
		now:         time.Now,
		subscribers: make(map[string]*Subscriber),
	}
}

type SubscribeRequest struct {
	Kind      Kind
	Filter    models.ResourceFilter
	Admin     string
	AdminName *string
}

func (r SubscribeRequest) Validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if r.Kind == KindResource && (r.Filter.ResourceType == "" || r.Filter.ResourceID == "") {
		return fmt.Errorf("%w: resource stream requires resource_type and resource_id", ErrInvalidStream)
	}
	if r.Filter.ResourceType != "" && !r.Filter.ResourceType.Valid() {
		return fmt.Errorf("%w: unknown resource type %q", ErrInvalidStream, r.Filter.ResourceType)
	}
	return nil
}

// Subscribe registers sink, sends the initial snapshot synchronously and
// starts the subscriber's delivery loop, which runs until ctx is done, the
// subscriber is removed, or a push fails. Over capacity the sink receives an
// error event and ErrCapacityExceeded is returned.
func (m *Manager) Subscribe(ctx context.Context, req SubscribeRequest, sink Sink) (*Subscriber, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := m.now()
	sub := &Subscriber{
		ID:            uuid.NewString(),
		Kind:          req.Kind,
		Channel:       req.Kind.Channel(req.Filter),
		Filter:        req.Filter,
		Admin:         req.Admin,
		AdminName:     req.AdminName,
		sink:          sink,
		outbound:      make(chan *models.BroadcastMessage, outboundBuffer),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		lastHeartbeat: now,
		seen:          make(map[string]int64),
		// Without a broadcast log every message arrives once, through
		// Dispatch, so there is nothing to deduplicate.
		dedupe:        m.broadcast.Configured(),
		// Entries sharing the cursor's millisecond may land after the read.
		rewind:        true,
	}

	if err := m.register(sub); err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			metrics.RejectedSubscribers.Inc()
			m.log.Warn().Int("max", m.cfg.MaxSubscribers).Str("admin", req.Admin).Msg("rejecting subscriber at capacity")
			m.sendError(sink, "capacity_exceeded", "too many open streams, try again later", now)
		}
		return nil, err
	}

	// The cursor is read before the snapshot so nothing committed between
	// the two reads is missed; duplicates are filtered by message id.
	cursor, err := m.broadcast.LatestTimestamp(ctx, sub.Channel)
	if err != nil {
		m.log.Warn().Err(err).Str("channel", sub.Channel).Msg("failed to read stream cursor")
		cursor = now.UnixMilli()
	}
	sub.cursor = cursor

	locks, err := m.snapshots.ListActive(ctx, req.Filter)
	if err != nil {
		m.remove(sub)
		close(sub.done)
		return nil, fmt.Errorf("failed to load stream snapshot: %w", err)
	}
	snapshot, err := models.NewBroadcastMessage(req.Kind.SnapshotEvent(), models.Snapshot{
		Locks:     locks,
		Timestamp: now.UnixMilli(),
	}, now)
	if err != nil {
		m.remove(sub)
		close(sub.done)
		return nil, err
	}
	if err := sink.Send(snapshot); err != nil {
		m.remove(sub)
		close(sub.done)
		return nil, fmt.Errorf("failed to send stream snapshot: %w", err)
	}

	m.updatePresence(sub)
	m.log.Debug().
		Str("subscriber", sub.ID).
		Str("stream", string(sub.Kind)).
		Str("admin", sub.Admin).
		Int64("cursor", cursor).
		Msg("subscriber registered")

	go m.run(ctx, sub)
	return sub, nil
}

func (m *Manager) register(sub *Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if len(m.subscribers) >= m.cfg.MaxSubscribers {
		return ErrCapacityExceeded
	}
	m.subscribers[sub.ID] = sub
	metrics.Subscribers.Set(float64(len(m.subscribers)))
	return nil
}

// Dispatch delivers a message published on this instance to every matching
// local subscriber. It never blocks on a slow subscriber; one whose buffer
// is full is disconnected and will resync from a fresh snapshot.
func (m *Manager) Dispatch(channel string, msg *models.BroadcastMessage) {
	var slow []*Subscriber

	m.mu.RLock()
	for _, sub := range m.subscribers {
		if sub.Channel != channel || !sub.accepts(msg) {
			continue
		}
		if !sub.enqueue(msg) {
			slow = append(slow, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range slow {
		m.log.Warn().Str("subscriber", sub.ID).Msg("subscriber too slow; disconnecting")
		m.Unsubscribe(sub)
	}
}

func (m *Manager) run(ctx context.Context, sub *Subscriber) {
	defer close(sub.done)
	defer m.remove(sub)

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var poll <-chan time.Time
	if m.broadcast.Configured() {
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.quit:
			return
		case msg := <-sub.outbound:
			if !m.push(sub, msg, metrics.PathLocal) {
				return
			}
		case <-heartbeat.C:
			now := m.now()
			msg, err := models.NewBroadcastMessage(models.EventHeartbeat, map[string]int64{"timestamp": now.UnixMilli()}, now)
			if err != nil {
				continue
			}
			if err := sub.sink.Send(msg); err != nil {
				m.log.Debug().Err(err).Str("subscriber", sub.ID).Msg("heartbeat failed; removing subscriber")
				return
			}
			sub.touch(now)
			sub.forget(now.Add(-m.cfg.DedupeWindow).UnixMilli())
			m.updatePresence(sub)
		case <-poll:
			if !m.poll(ctx, sub) {
				return
			}
		}
	}
}

// poll reads entries published since the subscriber's cursor, most of
// which come from other instances, and pushes the ones it has not seen.
func (m *Manager) poll(ctx context.Context, sub *Subscriber) bool {
	messages, err := m.broadcast.Fetch(ctx, sub.Channel, sub.fetchFrom(), m.cfg.FetchLimit)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn().Err(err).Str("channel", sub.Channel).Msg("failed to poll broadcast log")
		}
		return true
	}
	if len(messages) == 0 {
		sub.advance(0, false)
		return true
	}

	var latest int64
	for i := range messages {
		msg := &messages[i]
		if msg.Timestamp > latest {
			latest = msg.Timestamp
		}
		if !sub.accepts(msg) || !sub.markSeen(msg) {
			continue
		}
		if !m.push(sub, msg, metrics.PathRemote) {
			return false
		}
	}
	sub.advance(latest, len(messages) >= m.cfg.FetchLimit)
	return true
}

func (m *Manager) push(sub *Subscriber, msg *models.BroadcastMessage, path string) bool {
	if err := sub.sink.Send(msg); err != nil {
		m.log.Debug().Err(err).Str("subscriber", sub.ID).Msg("push failed; removing subscriber")
		return false
	}
	sub.touch(m.now())
	metrics.Deliveries.WithLabelValues(path).Inc()
	return true
}

// Unsubscribe stops the subscriber. The delivery loop exits and removes it.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	sub.stop()
}

func (m *Manager) remove(sub *Subscriber) {
	sub.stop()

	m.mu.Lock()
	_, ok := m.subscribers[sub.ID]
	delete(m.subscribers, sub.ID)
	metrics.Subscribers.Set(float64(len(m.subscribers)))
	m.mu.Unlock()

	if !ok {
		return
	}
	if m.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := m.presence.DeletePresence(ctx, sub.ID); err != nil {
			m.log.Warn().Err(err).Str("subscriber", sub.ID).Msg("failed to clear presence")
		}
	}
	m.log.Debug().Str("subscriber", sub.ID).Msg("subscriber removed")
}

// SweepStale stops subscribers whose last heartbeat is older than the
// staleness window and returns how many were stopped.
func (m *Manager) SweepStale() int {
	cutoff := m.now().Add(-m.cfg.StaleAfter)

	var stale []*Subscriber
	m.mu.RLock()
	for _, sub := range m.subscribers {
		if sub.LastHeartbeat().Before(cutoff) {
			stale = append(stale, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range stale {
		m.log.Info().Str("subscriber", sub.ID).Msg("closing stale subscriber")
		m.Unsubscribe(sub)
	}
	return len(stale)
}

// Run sweeps stale subscribers until ctx is done, then closes the manager.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.StaleAfter / 5
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-ticker.C:
			m.SweepStale()
		}
	}
}

// Close stops every subscriber, waits for their loops to exit and refuses
// new registrations.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Presence lists admins watching streams. With a presence store it covers
// every instance; otherwise only this one.
func (m *Manager) Presence(ctx context.Context) ([]models.Presence, error) {
	if m.presence != nil {
		return m.presence.ListPresence(ctx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	presences := make([]models.Presence, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		presences = append(presences, *sub.presence(m.cfg.InstanceID))
	}
	return presences, nil
}

func (m *Manager) updatePresence(sub *Subscriber) {
	if m.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := m.presence.SetPresence(ctx, sub.presence(m.cfg.InstanceID)); err != nil {
		m.log.Warn().Err(err).Str("subscriber", sub.ID).Msg("failed to update presence")
	}
}

// ErrorEvent builds the error event sent to a client before its stream is
// closed.
func ErrorEvent(code, message string, now time.Time) *models.BroadcastMessage {
	msg, _ := models.NewBroadcastMessage(models.EventError, map[string]string{
		"code":    code,
		"message": message,
	}, now)
	return msg
}

func (m *Manager) sendError(sink Sink, code, message string, now time.Time) {
	if err := sink.Send(ErrorEvent(code, message, now)); err != nil {
		m.log.Debug().Err(err).Msg("failed to send error event")
	}
}
