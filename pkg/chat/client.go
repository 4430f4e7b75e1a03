// Package chat is the dispatcher's client for the marketplace's realtime
// chat transport: a client-side websocket dial (inverted from a
// server-side Upgrader, since the dispatcher is the consumer here, not the
// host) carrying `join_job`/`joined`/`message`/`error` events, with
// reconnect-and-rejoin on drop.
package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autobb888/vap-dispatcher/pkg/log"
)

// EventType names the chat transport's wire events (spec §6).
type EventType string

const (
	EventJoinJob EventType = "join_job"
	EventJoined  EventType = "joined"
	EventMessage EventType = "message"
	EventError   EventType = "error"
)

// Event is the envelope carried over the chat transport in both
// directions.
type Event struct {
	Type          EventType `json:"type"`
	JobID         string    `json:"jobId,omitempty"`
	SenderVerusID string    `json:"senderVerusId,omitempty"`
	Content       string    `json:"content,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// MessageHandler is invoked for every incoming `message` event.
type MessageHandler func(jobID, senderVerusID, content string)

const reconnectBackoff = 2 * time.Second

// Client maintains one websocket connection to the marketplace chat
// origin, re-dialing and rejoining rooms on disconnect.
type Client struct {
	origin     string
	chatToken  func(ctx context.Context) (string, error)
	onMessage  MessageHandler

	mu     sync.Mutex
	conn   *websocket.Conn
	rooms  map[string]bool
	closed bool
}

// New constructs a Client. chatToken is called to fetch a fresh
// short-lived token at every (re)connect, since the token is short-lived
// by design (spec §6).
func New(origin string, chatToken func(ctx context.Context) (string, error), onMessage MessageHandler) *Client {
	return &Client{
		origin:    origin,
		chatToken: chatToken,
		onMessage: onMessage,
		rooms:     make(map[string]bool),
	}
}

// Run dials the chat transport and processes events until ctx is
// cancelled or Close is called, reconnecting with a fixed backoff on any
// disconnect and rejoining every previously-joined room after each
// reconnect.
func (c *Client) Run(ctx context.Context) {
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if ctx.Err() != nil || closed {
			return
		}
		if err := c.runOnce(ctx); err != nil {
			log.Logger.Warn().Err(err).Msg("chat transport disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	token, err := c.chatToken(ctx)
	if err != nil {
		return err
	}

	u, err := url.Parse(c.origin)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	rooms := make([]string, 0, len(c.rooms))
	for jobID := range c.rooms {
		rooms = append(rooms, jobID)
	}
	c.mu.Unlock()

	for _, jobID := range rooms {
		if err := c.send(Event{Type: EventJoinJob, JobID: jobID}); err != nil {
			return err
		}
	}

	defer conn.Close()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		c.handle(ev)
	}
}

func (c *Client) handle(ev Event) {
	switch ev.Type {
	case EventMessage:
		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(ev.JobID, ev.SenderVerusID, ev.Content)
		}
	case EventJoined:
		log.WithJob(ev.JobID).Info().Msg("joined chat room")
	case EventError:
		log.Logger.Warn().Str("job_id", ev.JobID).Str("error", ev.Error).Msg("chat transport error event")
	}
}

// JoinRoom marks jobID as a room to join now and on every future
// reconnect, and sends the join immediately if connected.
func (c *Client) JoinRoom(jobID string) error {
	c.mu.Lock()
	c.rooms[jobID] = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.send(Event{Type: EventJoinJob, JobID: jobID})
}

// SetHandler rebinds the message handler, letting a caller construct the
// Client before its consumer (e.g. the dispatcher) exists yet.
func (c *Client) SetHandler(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = h
}

// LeaveRoom stops rejoining jobID on reconnect. The transport has no
// explicit leave event in spec §6; this only affects local bookkeeping.
func (c *Client) LeaveRoom(jobID string) {
	c.mu.Lock()
	delete(c.rooms, jobID)
	c.mu.Unlock()
}

// SendMessage sends a message event into jobID's room, e.g. the
// dispatcher's own replies back to the buyer.
func (c *Client) SendMessage(jobID, senderVerusID, content string) error {
	return c.send(Event{Type: EventMessage, JobID: jobID, SenderVerusID: senderVerusID, Content: content})
}

func (c *Client) send(ev Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close shuts down the current connection. Run observes the closed
// connection's read error and returns at its next loop check instead of
// reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
