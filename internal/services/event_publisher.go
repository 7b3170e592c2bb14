package services

import (
	"context"
	"sync"
	"time"

	"github.com/prudhvinik1/venuelock/internal/metrics"
	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/prudhvinik1/venuelock/internal/repositories"
	"github.com/rs/zerolog"
)

const (
	DefaultBroadcastTTL    = 300 * time.Second
	DefaultPrivateQueueTTL = 3600 * time.Second

	publishTimeout = 2 * time.Second
)

// LocalDispatcher delivers a message to subscribers on this instance.
type LocalDispatcher interface {
	Dispatch(channel string, msg *models.BroadcastMessage)
}

type EventPublisherConfig struct {
	SharedTTL  time.Duration
	PrivateTTL time.Duration
}

// EventPublisher encodes domain events and hands them to this instance's
// stream managers and to the broadcast log. Failures are logged and never
// returned: by the time an event is published the mutation it describes has
// already committed.
type EventPublisher struct {
	broadcast  repositories.BroadcastRepository
	sharedTTL  time.Duration
	privateTTL time.Duration
	log        zerolog.Logger
	now        func() time.Time

	mu          sync.RWMutex
	dispatchers []LocalDispatcher
}

func NewEventPublisher(broadcast repositories.BroadcastRepository, cfg EventPublisherConfig, log zerolog.Logger) *EventPublisher {
	if cfg.SharedTTL <= 0 {
		cfg.SharedTTL = DefaultBroadcastTTL
	}
	if cfg.PrivateTTL <= 0 {
		cfg.PrivateTTL = DefaultPrivateQueueTTL
	}
	return &EventPublisher{
		broadcast:  broadcast,
		sharedTTL:  cfg.SharedTTL,
		privateTTL: cfg.PrivateTTL,
		log:        log.With().Str("component", "event_publisher").Logger(),
		now:        time.Now,
	}
}

// AddDispatcher registers a same-instance delivery target.
func (p *EventPublisher) AddDispatcher(d LocalDispatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatchers = append(p.dispatchers, d)
}

func (p *EventPublisher) PublishLockEvent(ctx context.Context, eventType string, lock *models.ActionLock) string {
	return p.Publish(ctx, models.ChannelLocks, eventType, models.NewLockEvent(lock))
}

// PublishResourceEvent announces a committed CRUD change on the shared
// events channel and on the resource's private queue. It returns the id of
// the shared-channel message.
func (p *EventPublisher) PublishResourceEvent(ctx context.Context, eventType string, ev models.ResourceChange) string {
	id := p.Publish(ctx, models.ChannelEvents, eventType, ev)
	p.publish(ctx, models.ResourceChannel(ev.ResourceType, ev.ResourceID), eventType, ev, p.privateTTL, true)
	return id
}

func (p *EventPublisher) PublishStatsChanged(ctx context.Context, data any) string {
	return p.Publish(ctx, models.ChannelEvents, models.EventStatsChanged, data)
}

// Publish appends an event to a shared channel. It returns the message id,
// or "" when the broadcast log is not configured or the append failed.
func (p *EventPublisher) Publish(ctx context.Context, channel, eventType string, data any) string {
	return p.publish(ctx, channel, eventType, data, p.sharedTTL, false)
}

func (p *EventPublisher) publish(ctx context.Context, channel, eventType string, data any, ttl time.Duration, private bool) string {
	msg, err := models.NewBroadcastMessage(eventType, data, p.now())
	if err != nil {
		p.log.Error().Err(err).Str("channel", channel).Str("type", eventType).Msg("failed to encode event")
		metrics.BroadcastPublishes.WithLabelValues(metrics.OutcomeError).Inc()
		return ""
	}

	p.mu.RLock()
	dispatchers := p.dispatchers
	p.mu.RUnlock()
	for _, d := range dispatchers {
		d.Dispatch(channel, msg)
	}

	if !p.broadcast.Configured() {
		metrics.BroadcastPublishes.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return ""
	}

	// The caller's request may end right after its commit; the append
	// should still go through.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if private {
		err = p.broadcast.AppendPrivate(ctx, channel, msg, ttl)
	} else {
		err = p.broadcast.Append(ctx, channel, msg, ttl)
	}
	if err != nil {
		p.log.Warn().Err(err).Str("channel", channel).Str("type", eventType).Msg("failed to publish event")
		metrics.BroadcastPublishes.WithLabelValues(metrics.OutcomeError).Inc()
		return ""
	}

	metrics.BroadcastPublishes.WithLabelValues(metrics.OutcomeOK).Inc()
	return msg.ID
}
