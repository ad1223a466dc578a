// Package client is a small websocket client for the matching gateway, used
// by tools and end-to-end tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/service-matching/internal/models"
)

// AckTimeout bounds how long CreateRequest waits for request_created.
const AckTimeout = 10 * time.Second

var (
	ErrAckTimeout = errors.New("timed out waiting for request_created")
	ErrClosed     = errors.New("client closed")
)

type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string][]chan models.Envelope

	events chan models.Envelope
	done   chan struct{}
	quit   chan struct{}
	once   sync.Once
}

// Dial connects to a gateway websocket endpoint such as ws://host:8080/ws.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		logger:  logger.With("component", "client"),
		waiters: make(map[string][]chan models.Envelope),
		events:  make(chan models.Envelope, 64),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers every inbound frame not claimed by a pending CreateRequest.
// The channel is closed when the connection ends.
func (c *Client) Events() <-chan models.Envelope { return c.events }

func (c *Client) Send(event string, payload any) error {
	b, err := models.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) Register(p models.RegisterPayload) error {
	return c.Send(models.EventRegister, p)
}

func (c *Client) UpdateLocation(p models.UpdateLocationPayload) error {
	return c.Send(models.EventUpdateLocation, p)
}

func (c *Client) PlaceBid(p models.PlaceBidPayload) error {
	return c.Send(models.EventPlaceBid, p)
}

func (c *Client) AcceptBid(requestID, workerID string) error {
	return c.Send(models.EventAcceptBid, models.AcceptBidPayload{RequestID: requestID, WorkerID: workerID})
}

func (c *Client) CompleteService(p models.CompleteServicePayload) error {
	return c.Send(models.EventCompleteService, p)
}

func (c *Client) CancelRequest(requestID string) error {
	return c.Send(models.EventCancelRequest, models.CancelRequestPayload{RequestID: requestID})
}

// CreateRequest submits a new service request and waits up to AckTimeout
// for the server's acknowledgment. The gateway answers malformed requests
// with silence, so a timeout is the only failure signal.
func (c *Client) CreateRequest(ctx context.Context, p models.NewServiceRequestPayload) (models.ServiceRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, AckTimeout)
	defer cancel()

	ch := c.expect(models.EventRequestCreated)
	defer c.forget(models.EventRequestCreated, ch)

	if err := c.Send(models.EventNewServiceRequest, p); err != nil {
		return models.ServiceRequest{}, err
	}
	select {
	case env := <-ch:
		var req models.ServiceRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return models.ServiceRequest{}, fmt.Errorf("decode request_created: %w", err)
		}
		return req, nil
	case <-c.done:
		return models.ServiceRequest{}, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ServiceRequest{}, ErrAckTimeout
		}
		return models.ServiceRequest{}, ctx.Err()
	}
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.quit)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}

func (c *Client) expect(event string) chan models.Envelope {
	ch := make(chan models.Envelope, 1)
	c.mu.Lock()
	c.waiters[event] = append(c.waiters[event], ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) forget(event string, ch chan models.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[event]
	for i, w := range list {
		if w == ch {
			c.waiters[event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.waiters[event]) == 0 {
		delete(c.waiters, event)
	}
}

// claim hands env to the oldest waiter for its event, if any.
func (c *Client) claim(env models.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[env.Event]
	if len(list) == 0 {
		return false
	}
	list[0] <- env
	c.waiters[env.Event] = list[1:]
	return true
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		close(c.events)
		_ = c.conn.Close()
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection closed", "error", err)
			}
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn("undecodable frame", "error", err)
			continue
		}
		if c.claim(env) {
			continue
		}
		select {
		case c.events <- env:
		case <-c.quit:
			return
		}
	}
}
