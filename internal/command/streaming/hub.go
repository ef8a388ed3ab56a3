// Package streaming pushes command events to WebSocket clients.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/common/logger"
	"github.com/kandev/cmdq/internal/events"
	"github.com/kandev/cmdq/internal/events/bus"
)

// Client represents a WebSocket client connection
type Client struct {
	ID         string
	conn       *websocket.Conn
	commandIDs map[string]bool // commands this client is subscribed to
	all        bool            // receives every command's events
	send       chan []byte
	hub        *Hub
	mu         sync.RWMutex
	logger     *logger.Logger
}

// NewClient creates a new WebSocket client. A client created with all set
// receives every event; otherwise only events of subscribed commands and
// queue updates.
func NewClient(id string, conn *websocket.Conn, hub *Hub, all bool, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		conn:       conn,
		commandIDs: make(map[string]bool),
		all:        all,
		send:       make(chan []byte, 256),
		hub:        hub,
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

// Hub manages all WebSocket clients
type Hub struct {
	clients        map[*Client]bool
	commandClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event
	stopped    chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		commandClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *bus.Event, 256),
		stopped:        make(chan struct{}),
		logger:         log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Attach forwards every command event published on eventBus to the hub.
func (h *Hub) Attach(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(events.BuildCommandWildcardSubject(), func(_ context.Context, ev *bus.Event) error {
		h.Broadcast(ev)
		return nil
	})
}

// Run starts the hub processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.commandClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev *bus.Event) {
	recipients := h.recipients(ev.CommandID)
	if len(recipients) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	var slow []*Client
	for _, client := range recipients {
		if !client.Send(data) {
			slow = append(slow, client)
		}
	}
	if len(slow) == 0 {
		return
	}
	// A full send buffer means the client stopped reading; drop it.
	h.mu.Lock()
	for _, client := range slow {
		h.logger.Warn("Dropping slow client", zap.String("client_id", client.ID))
		h.removeLocked(client)
	}
	h.mu.Unlock()
}

// recipients lists clients interested in commandID. Events without a
// command id, such as queue updates, go to everyone.
func (h *Hub) recipients(commandID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for client := range h.clients {
		if commandID == "" || client.all || h.commandClients[commandID][client] {
			out = append(out, client)
		}
	}
	return out
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	client.mu.RLock()
	defer client.mu.RUnlock()
	for commandID := range client.commandIDs {
		if clients, ok := h.commandClients[commandID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.commandClients, commandID)
			}
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// Broadcast queues an event for delivery. It blocks while the hub's buffer
// is full and returns immediately once the hub has stopped.
func (h *Hub) Broadcast(ev *bus.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.stopped:
	}
}

// SubscribeClient subscribes a client to a command
func (h *Hub) SubscribeClient(client *Client, commandID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.commandClients[commandID]; !ok {
		h.commandClients[commandID] = make(map[*Client]bool)
	}
	h.commandClients[commandID][client] = true
	h.logger.Debug("Client subscribed to command",
		zap.String("client_id", client.ID),
		zap.String("command_id", commandID))
}

// UnsubscribeClient unsubscribes a client from a command
func (h *Hub) UnsubscribeClient(client *Client, commandID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.commandClients[commandID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.commandClients, commandID)
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetCommandSubscriberCount returns the number of clients subscribed to a command
func (h *Hub) GetCommandSubscriberCount(commandID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.commandClients[commandID])
}
