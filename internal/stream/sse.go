package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prudhvinik1/venuelock/internal/models"
)

const DefaultWriteTimeout = 10 * time.Second

// SSESink writes events as text/event-stream frames.
type SSESink struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
}

// NewSSESink writes the stream headers and flushes them so the client sees
// the connection open before the first event.
func NewSSESink(w http.ResponseWriter, writeTimeout time.Duration) (*SSESink, error) {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	s := &SSESink{w: w, rc: http.NewResponseController(w), writeTimeout: writeTimeout}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := s.rc.Flush(); err != nil {
		return nil, fmt.Errorf("streaming unsupported: %w", err)
	}
	return s, nil
}

func (s *SSESink) Send(msg *models.BroadcastMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Type, payload); err != nil {
		return err
	}
	return s.rc.Flush()
}
