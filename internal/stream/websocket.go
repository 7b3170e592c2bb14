package stream

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/venuelock/internal/models"
)

// WebSocketSink writes each event as one JSON text frame.
type WebSocketSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

func (s *WebSocketSink) Send(msg *models.BroadcastMessage) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// Close sends a close frame with the given reason and closes the socket.
func (s *WebSocketSink) Close(code int, reason string) error {
	deadline := time.Now().Add(s.writeTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return s.conn.Close()
}
