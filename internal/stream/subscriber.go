package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prudhvinik1/venuelock/internal/models"
)

type Kind string

const (
	KindLocks    Kind = "locks"
	KindEvents   Kind = "events"
	KindResource Kind = "resource"
)

var ErrInvalidStream = errors.New("invalid stream")

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLocks, KindEvents, KindResource:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown stream %q", ErrInvalidStream, s)
	}
}

// Channel is the broadcast channel a stream of this kind reads.
func (k Kind) Channel(filter models.ResourceFilter) string {
	switch k {
	case KindLocks:
		return models.ChannelLocks
	case KindResource:
		return models.ResourceChannel(filter.ResourceType, filter.ResourceID)
	default:
		return models.ChannelEvents
	}
}

// SnapshotEvent is the event type of the initial snapshot.
func (k Kind) SnapshotEvent() string {
	if k == KindEvents {
		return models.EventEventsInitial
	}
	return models.EventLocksInitial
}

// Sink is the push transport of one subscriber. Only the subscriber's own
// goroutine writes to it once the subscription is running.
type Sink interface {
	Send(msg *models.BroadcastMessage) error
}

// Subscriber is one open push stream on this instance.
type Subscriber struct {
	ID        string
	Kind      Kind
	Channel   string
	Filter    models.ResourceFilter
	Admin     string
	AdminName *string

	sink     Sink
	outbound chan *models.BroadcastMessage
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	lastHeartbeat time.Time
	cursor        int64
	rewind        bool
	dedupe        bool
	seen          map[string]int64
}

// Done is closed once the subscriber has stopped writing to its sink.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Subscriber) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// accepts applies the subscription filter. Messages without a target, such
// as stats changes, reach every subscriber of the channel.
func (s *Subscriber) accepts(msg *models.BroadcastMessage) bool {
	target := msg.Target()
	if target == (models.EventTarget{}) {
		return true
	}
	return s.Filter.Matches(target.ResourceType, target.ResourceID, target.Action)
}

// enqueue hands a locally published message to the subscriber goroutine.
// It reports false when the subscriber cannot keep up.
func (s *Subscriber) enqueue(msg *models.BroadcastMessage) bool {
	if !s.markSeen(msg) {
		return true
	}
	select {
	case s.outbound <- msg:
		return true
	case <-s.quit:
		return true
	default:
		return false
	}
}

// markSeen records msg as delivered and reports whether it was new.
func (s *Subscriber) markSeen(msg *models.BroadcastMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dedupe {
		return true
	}
	if _, ok := s.seen[msg.ID]; ok {
		return false
	}
	s.seen[msg.ID] = msg.Timestamp
	return true
}

// advance moves the cursor to ts and forgets delivered ids that the next
// fetch can no longer return.
func (s *Subscriber) advance(ts int64, fullPage bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.cursor {
		s.cursor = ts
	}
	// A short page means the log is drained; re-read the cursor's own
	// millisecond next time so late entries sharing it are not skipped.
	s.rewind = !fullPage
	s.forgetLocked(s.cursor)
}

// forget drops delivered ids older than before, in unix milliseconds. The
// heartbeat calls it so the set stays bounded while polls keep failing.
func (s *Subscriber) forget(before int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(before)
}

func (s *Subscriber) forgetLocked(before int64) {
	for id, seenAt := range s.seen {
		if seenAt < before {
			delete(s.seen, id)
		}
	}
}

func (s *Subscriber) fetchFrom() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rewind && s.cursor > 0 {
		return s.cursor - 1
	}
	return s.cursor
}

func (s *Subscriber) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
}

func (s *Subscriber) stop() bool {
	stopped := false
	s.stopOnce.Do(func() {
		close(s.quit)
		stopped = true
	})
	return stopped
}

func (s *Subscriber) presence(instanceID string) *models.Presence {
	return &models.Presence{
		SubscriberID: s.ID,
		InstanceID:   instanceID,
		AdminEmail:   s.Admin,
		AdminName:    s.AdminName,
		Stream:       string(s.Kind),
		ResourceType: s.Filter.ResourceType,
		ResourceID:   s.Filter.ResourceID,
		Status:       string(models.StatusOnline),
		LastSeen:     s.LastHeartbeat(),
	}
}
