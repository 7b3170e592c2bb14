package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prudhvinik1/venuelock/internal/middleware"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Locks     LockService
	Publisher EventPublisher
	Streams   StreamManager
	Identity  middleware.TokenVerifier
	Gatherer  prometheus.Gatherer
	// BroadcastConfigured is reported by the health check.
	BroadcastConfigured bool
	WriteTimeout        time.Duration
	Log                 zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	locks := NewLockHandler(cfg.Locks, cfg.Log)
	events := NewEventHandler(cfg.Publisher)
	streams := NewStreamHandler(cfg.Streams, cfg.WriteTimeout, cfg.Log)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogging(cfg.Log))
	router.Use(chimw.Recoverer)

	// Health check endpoints
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		broadcast := "disabled"
		if cfg.BroadcastConfigured {
			broadcast = "configured"
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"broadcast": broadcast,
		})
	})
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.Identity))

		r.Route("/locks", func(r chi.Router) {
			r.Post("/", locks.AcquireLock)
			r.Get("/", locks.ListLocks)
			r.Get("/status", locks.LockStatus)
			r.Post("/sweep", locks.SweepLocks)
			r.Delete("/{lockID}", locks.ReleaseLock)
			r.Post("/{lockID}/extend", locks.ExtendLock)
		})

		r.Post("/events", events.PublishResourceEvent)
		r.Post("/stats", events.PublishStats)

		r.Get("/stream/presence", streams.Presence)
		r.Get("/stream/{stream}", streams.ServeSSE)
		r.Get("/stream/{stream}/ws", streams.ServeWebSocket)
	})

	return router
}
