package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/makeasinger/songgen/internal/model"
)

const (
	sendBuffer   = 32
	pingInterval = 30 * time.Second
)

// ErrHubStopped is returned by Notify once Run has exited.
var ErrHubStopped = errors.New("websocket hub stopped")

// Client is one websocket subscriber to a song's events. Send is never
// closed; Done is closed once the hub drops the client.
type Client struct {
	SongID string
	Conn   *websocket.Conn
	Send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a subscriber for songID.
func NewClient(songID string, conn *websocket.Conn) *Client {
	return &Client{
		SongID: songID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Done is closed when the client has been dropped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// trySend queues data without blocking. It reports false when the client
// is gone or its buffer is full.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// BroadcastMessage is an encoded message for a song's subscribers
type BroadcastMessage struct {
	SongID  string
	Message []byte
}

// Hub fans song notifications out to websocket subscribers. It implements
// service.Notifier.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     logger.Named("ws-hub"),
	}
}

// Run serves registrations and broadcasts until ctx is done. It must be
// called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.SongID] == nil {
				h.clients[client.SongID] = make(map[*Client]struct{})
			}
			h.clients[client.SongID][client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", zap.String("songId", client.SongID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", zap.String("songId", client.SongID))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.SongID] {
				if !client.trySend(msg.Message) {
					// slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove drops a client; callers hold mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.SongID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	client.close()
	if len(clients) == 0 {
		delete(h.clients, client.SongID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			h.remove(client)
		}
	}
}

// Subscribers returns the number of clients watching songID.
func (h *Hub) Subscribers(songID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[songID])
}

// Register adds a new client. A client registered after Run has exited
// is closed right away.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.close()
	}
}

// Notify queues a song notification for the song's subscribers.
func (h *Hub) Notify(ctx context.Context, n *model.Notification) error {
	data, err := json.Marshal(model.WSEventMessage{
		Type:  model.WSMessageTypeEvent,
		JobID: n.JobID,
		Event: n,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event message: %w", err)
	}

	select {
	case h.broadcast <- &BroadcastMessage{SongID: n.JobID, Message: data}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendError writes an error frame to one connection.
func SendError(c *websocket.Conn, songID, code, message string) error {
	data, err := json.Marshal(model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: songID,
		Error: model.WSError{Code: code, Message: message},
	})
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// HandleConnection serves one subscriber until it disconnects.
func (h *Hub) HandleConnection(c *websocket.Conn, songID string) {
	client := NewClient(songID, c)
	h.Register(client)
	defer h.Unregister(client)

	go h.writeLoop(client)

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("songId", songID), zap.Error(err))
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			client.trySend(data)
		}
	}
}

func (h *Hub) writeLoop(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
