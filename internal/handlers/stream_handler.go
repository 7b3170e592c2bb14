package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/prudhvinik1/venuelock/internal/stream"
	"github.com/rs/zerolog"
)

type StreamManager interface {
	Subscribe(ctx context.Context, req stream.SubscribeRequest, sink stream.Sink) (*stream.Subscriber, error)
	Unsubscribe(sub *stream.Subscriber)
	Presence(ctx context.Context) ([]models.Presence, error)
}

type StreamHandler struct {
	streams      StreamManager
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	log          zerolog.Logger
}

func NewStreamHandler(streams StreamManager, writeTimeout time.Duration, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		streams: streams,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		writeTimeout: writeTimeout,
		log:          log.With().Str("component", "stream_handler").Logger(),
	}
}

// ServeSSE handles GET /stream/{stream}. The request is held open until the
// subscriber is removed or the client goes away.
func (h *StreamHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	req, err := h.subscribeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sink, err := stream.NewSSESink(w, h.writeTimeout)
	if err != nil {
		h.log.Error().Err(err).Msg("response writer cannot stream")
		return
	}

	sub, err := h.streams.Subscribe(r.Context(), req, sink)
	if err != nil {
		if !errors.Is(err, stream.ErrCapacityExceeded) {
			// Headers are already sent; report in-band before closing.
			appErr := toAppError(err)
			_ = sink.Send(stream.ErrorEvent(appErr.Code, appErr.Message, time.Now()))
		}
		return
	}
	<-sub.Done()
}

// ServeWebSocket handles GET /stream/{stream}/ws. Frames from the client are
// read and discarded; a read error ends the session.
func (h *StreamHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	req, err := h.subscribeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	sink := stream.NewWebSocketSink(conn, h.writeTimeout)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.streams.Subscribe(ctx, req, sink)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, stream.ErrCapacityExceeded) {
			code = websocket.CloseTryAgainLater
		}
		_ = sink.Close(code, toAppError(err).Message)
		return
	}

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	<-sub.Done()
	_ = sink.Close(websocket.CloseNormalClosure, "")
}

// Presence handles GET /stream/presence.
func (h *StreamHandler) Presence(w http.ResponseWriter, r *http.Request) {
	presences, err := h.streams.Presence(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to list presence")
		writeError(w, &AppError{
			Code:       CodeUnavailable,
			Message:    "presence is temporarily unavailable",
			HTTPStatus: http.StatusServiceUnavailable,
			Err:        err,
		})
		return
	}
	writeSuccess(w, http.StatusOK, presences)
}

func (h *StreamHandler) subscribeRequest(r *http.Request) (stream.SubscribeRequest, error) {
	admin := mustAdmin(r)

	kind, err := stream.ParseKind(chi.URLParam(r, "stream"))
	if err != nil {
		return stream.SubscribeRequest{}, err
	}
	filter, err := filterFromQuery(r)
	if err != nil {
		return stream.SubscribeRequest{}, err
	}

	req := stream.SubscribeRequest{
		Kind:      kind,
		Filter:    filter,
		Admin:     admin.Email,
		AdminName: admin.NamePtr(),
	}
	if err := req.Validate(); err != nil {
		return stream.SubscribeRequest{}, err
	}
	return req, nil
}
