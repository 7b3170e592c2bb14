package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/rs/zerolog"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StatePolling      State = "polling"
	StateClosed       State = "closed"
)

const (
	DefaultBaseBackoff         = time.Second
	DefaultMaxAttempts         = 5
	DefaultPollInterval        = 5 * time.Second
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultHealthTimeout       = 90 * time.Second

	maxEventSize = 1 << 20
)

var (
	errStale         = errors.New("no stream activity within health timeout")
	errServerRefused = errors.New("server refused stream")
)

type Config struct {
	BaseURL string
	Token   string
	Stream  string
	Filter  models.ResourceFilter

	BaseBackoff         time.Duration
	MaxAttempts         int
	PollInterval        time.Duration
	HealthCheckInterval time.Duration
	HealthTimeout       time.Duration

	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Handler receives every event except heartbeats. In polling mode each
// poll is delivered as a locks:initial snapshot.
type Handler func(msg models.BroadcastMessage)

// Reconnector keeps one live stream open to the server. After a failure it
// retries with exponential backoff; once the retries are spent it falls
// back to polling the lock list. A health check forces a reconnect when the
// stream goes silent, heartbeats included.
type Reconnector struct {
	cfg     Config
	handler Handler
	log     zerolog.Logger

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	onState      func(State)
}

func NewReconnector(cfg Config, handler Handler, log zerolog.Logger) *Reconnector {
	return &Reconnector{
		cfg:     cfg.withDefaults(),
		handler: handler,
		log:     log.With().Str("component", "reconnector").Logger(),
		state:   StateClosed,
	}
}

// OnStateChange registers fn to be called on every transition. Set it
// before Run.
func (r *Reconnector) OnStateChange(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = fn
}

func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run drives the connection until ctx is done. It is the only goroutine
// that owns the connection; it returns ctx's error.
func (r *Reconnector) Run(ctx context.Context) error {
	defer r.setState(StateClosed)

	attempt := 0
	for {
		if attempt == 0 {
			r.setState(StateConnecting)
		} else {
			r.setState(StateReconnecting)
		}

		opened, err := r.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			attempt = 0
		}
		r.log.Warn().Err(err).Int("attempt", attempt+1).Msg("stream disconnected")

		attempt++
		if attempt > r.cfg.MaxAttempts {
			break
		}
		if !sleep(ctx, Backoff(r.cfg.BaseBackoff, attempt)) {
			return ctx.Err()
		}
	}

	r.log.Warn().Int("attempts", r.cfg.MaxAttempts).Msg("giving up on live stream; polling")
	r.setState(StatePolling)
	return r.poll(ctx)
}

// Backoff is the delay before reconnect attempt n (1-based): base doubled
// for each earlier attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// connect holds one stream open and reports whether the server accepted it.
// A stream counts as accepted once its first non-error event arrives; an
// error event in its place is a refusal, the same as a failed dial.
func (r *Reconnector) connect(ctx context.Context) (bool, error) {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, r.streamURL(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	r.authorize(req)

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: status %d", errServerRefused, resp.StatusCode)
	}

	r.touch()
	go r.watchHealth(connCtx, cancel)

	opened := false
	err = r.readEvents(resp, func(msg models.BroadcastMessage) error {
		r.touch()
		if msg.Type == models.EventError {
			r.handler(msg)
			return fmt.Errorf("%w: %s", errServerRefused, string(msg.Data))
		}
		if !opened {
			opened = true
			r.setState(StateOpen)
		}
		if msg.Type != models.EventHeartbeat {
			r.handler(msg)
		}
		return nil
	})
	if cause := context.Cause(connCtx); errors.Is(cause, errStale) {
		return opened, errStale
	}
	return opened, err
}

func (r *Reconnector) watchHealth(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.sinceActivity() > r.cfg.HealthTimeout {
				r.log.Warn().Dur("silent_for", r.sinceActivity()).Msg("stream stale; forcing reconnect")
				cancel(errStale)
				return
			}
		}
	}
}

// readEvents parses text/event-stream frames whose data is a JSON message.
func (r *Reconnector) readEvents(resp *http.Response, fn func(models.BroadcastMessage) error) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			var msg models.BroadcastMessage
			err := json.Unmarshal([]byte(data.String()), &msg)
			data.Reset()
			if err != nil {
				r.log.Warn().Err(err).Msg("skipping undecodable event")
				continue
			}
			if err := fn(msg); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			r.touch()
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream closed by server")
}

// poll fetches the lock list every poll interval until ctx is done.
func (r *Reconnector) poll(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.pollOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconnector) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/api/admin/locks?"+filterQuery(r.cfg.Filter).Encode(), nil)
	if err != nil {
		return err
	}
	r.authorize(req)

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	var body struct {
		Data []*models.ActionLock `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode poll response: %w", err)
	}
	if body.Data == nil {
		body.Data = []*models.ActionLock{}
	}

	now := time.Now()
	msg, err := models.NewBroadcastMessage(models.EventLocksInitial, models.Snapshot{
		Locks:     body.Data,
		Timestamp: now.UnixMilli(),
	}, now)
	if err != nil {
		return err
	}
	r.touch()
	r.handler(*msg)
	return nil
}

func (r *Reconnector) streamURL() string {
	return r.cfg.BaseURL + "/api/admin/stream/" + url.PathEscape(r.cfg.Stream) + "?" + filterQuery(r.cfg.Filter).Encode()
}

func (r *Reconnector) authorize(req *http.Request) {
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
}

func (r *Reconnector) setState(s State) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	fn := r.onState
	r.mu.Unlock()

	r.log.Debug().Str("state", string(s)).Msg("state changed")
	if fn != nil {
		fn(s)
	}
}

func (r *Reconnector) touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()
}

func (r *Reconnector) sinceActivity() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastActivity)
}

func filterQuery(f models.ResourceFilter) url.Values {
	q := url.Values{}
	if f.ResourceType != "" {
		q.Set("resource_type", string(f.ResourceType))
	}
	if f.ResourceID != "" {
		q.Set("resource_id", f.ResourceID)
	}
	if f.Action != "" {
		q.Set("action", f.Action)
	}
	return q
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
