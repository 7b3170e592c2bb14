package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LockExtender interface {
	Extend(ctx context.Context, lockID, adminEmail string) (bool, error)
}

// LockKeeper renews one held lease on a fixed interval for the lifetime of
// an operation. Once Stop returns no further renewal is in flight, so the
// caller may release the lock without racing the keeper.
type LockKeeper struct {
	extender   LockExtender
	lockID     string
	adminEmail string
	interval   time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	ticker  *time.Ticker
	done    chan struct{}
	onLost  func()

	lost     chan struct{}
	lostOnce sync.Once
}

func NewLockKeeper(extender LockExtender, lockID, adminEmail string, interval time.Duration, log zerolog.Logger) *LockKeeper {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	return &LockKeeper{
		extender:   extender,
		lockID:     lockID,
		adminEmail: adminEmail,
		interval:   interval,
		log:        log.With().Str("component", "lock_keeper").Str("lock_id", lockID).Logger(),
		lost:       make(chan struct{}),
	}
}

// OnLost registers fn to run once if a renewal finds the lease gone. fn runs
// after the renewal loop has exited, so it may call Stop.
func (k *LockKeeper) OnLost(fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onLost = fn
}

// Lost is closed when a renewal reports the lease is no longer held.
func (k *LockKeeper) Lost() <-chan struct{} {
	return k.lost
}

// Start begins renewing. Calling it twice, or after Stop, does nothing.
func (k *LockKeeper) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started || k.stopped {
		return
	}
	k.started = true

	ctx, k.cancel = context.WithCancel(ctx)
	k.ticker = time.NewTicker(k.interval)
	k.done = make(chan struct{})
	go k.run(ctx, k.ticker, k.done)
}

// Stop halts renewal and waits for any in-flight renewal to finish. It is
// idempotent and safe to call before Start.
func (k *LockKeeper) Stop() {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return
	}
	k.stopped = true
	if !k.started {
		k.mu.Unlock()
		return
	}
	k.cancel()
	k.ticker.Stop()
	done := k.done
	k.mu.Unlock()

	<-done
}

// run closes done before firing the lost callback so the callback may call
// Stop.
func (k *LockKeeper) run(ctx context.Context, ticker *time.Ticker, done chan struct{}) {
	lost := k.renew(ctx, ticker)
	close(done)
	if lost {
		k.markLost()
	}
}

// renew extends the lease on every tick and reports whether it was lost.
func (k *LockKeeper) renew(ctx context.Context, ticker *time.Ticker) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if ctx.Err() != nil {
				return false
			}
			ok, err := k.extender.Extend(ctx, k.lockID, k.adminEmail)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				// Transient; the next tick retries while the lease lasts.
				k.log.Warn().Err(err).Msg("failed to extend lock")
				continue
			}
			if !ok {
				k.log.Warn().Msg("lock no longer held; stopping keeper")
				return true
			}
		}
	}
}

func (k *LockKeeper) markLost() {
	k.lostOnce.Do(func() {
		close(k.lost)
		k.mu.Lock()
		fn := k.onLost
		k.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
