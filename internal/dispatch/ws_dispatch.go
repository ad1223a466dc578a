package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/observability"
)

var (
	ErrNoSession      = errors.New("no ws session")
	ErrSessionClosed  = errors.New("ws session closed")
	ErrSendBufferFull = errors.New("ws send buffer full")
)

// WSSession is a connected participant's websocket. Frames are queued and
// written by WritePump so protocol code never waits on the network.
type WSSession struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewWSSession(conn *websocket.Conn, buffer int, logger *slog.Logger) *WSSession {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	return &WSSession{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.With("session", id),
	}
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) Conn() *websocket.Conn { return s.conn }

// Send queues an outbound frame; it fails fast instead of blocking when the
// peer is slow.
func (s *WSSession) Send(event string, payload any) error {
	b, err := models.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- b:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		observability.OutboundDropped.Inc()
		s.logger.Warn("ws send buffer full, dropping frame", "event", event)
		return ErrSendBufferFull
	}
}

// WritePump drains queued frames to the connection and keeps it alive with
// pings. It returns when the session is closed or a write fails.
func (s *WSSession) WritePump(pingPeriod, writeWait time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()
	for {
		select {
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logger.Warn("ws write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ws ping failed", "error", err)
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close stops the write pump and closes the connection. Safe to call twice.
func (s *WSSession) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed once the session has been closed.
func (s *WSSession) Done() <-chan struct{} { return s.done }
