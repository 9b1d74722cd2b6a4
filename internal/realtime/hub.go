package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"pulseline/internal/metrics"
	"pulseline/pkg/logger"
)

const maxConnectionsPerUser = 10

// PushMessage is the wire frame written to client connections.
type PushMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// SessionRegistry mirrors hub membership into a shared store so other
// instances (and operators) can see who is connected.
type SessionRegistry interface {
	SetOnline(ctx context.Context, userID uuid.UUID, clientID string) error
	SetOffline(ctx context.Context, userID uuid.UUID, clientID string) error
	Heartbeat(ctx context.Context, userID uuid.UUID, clientID string) error
}

// Hub maintains the set of live client connections and pushes events to
// them. Delivery is best-effort: a disconnected recipient is a no-op, and
// the ledger stays the durable source of truth for reconciliation.
type Hub struct {
	clients    map[uuid.UUID]map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	sessions SessionRegistry
	metrics  *metrics.Aggregator
	logger   *logger.Logger

	mu       sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type broadcastMessage struct {
	userIDs []uuid.UUID
	data    []byte
}

func NewHub(sessions SessionRegistry, m *metrics.Aggregator, l *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[string]*Client),
		register:   make(chan *Client, 256),
		unregister: make(chan *Client, 256),
		broadcast:  make(chan *broadcastMessage, 256),
		sessions:   sessions,
		metrics:    m,
		logger:     l,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes registration and broadcast traffic until Stop is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)

		case <-h.stopChan:
			h.closeAll()
			return
		}
	}
}

// Stop disconnects every client and ends the run loop. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
	<-h.done
}

// Register queues a new client connection for the run loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister queues removal of a client connection.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast pushes an event to every live connection of the given users.
// Unknown or disconnected users are skipped silently.
func (h *Hub) Broadcast(userIDs []uuid.UUID, eventName string, payload any) {
	data, err := json.Marshal(PushMessage{Event: eventName, Data: payload})
	if err != nil {
		h.metrics.IncErrors()
		h.logger.Errorf("realtime: failed to marshal %s payload: %v", eventName, err)
		return
	}

	select {
	case h.broadcast <- &broadcastMessage{userIDs: userIDs, data: data}:
	case <-h.stopChan:
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, userClients := range h.clients {
		n += len(userClients)
	}
	return n
}

func (h *Hub) handleRegister(client *Client) {
	h.mu.Lock()

	if h.clients[client.userID] == nil {
		h.clients[client.userID] = make(map[string]*Client)
	}

	if len(h.clients[client.userID]) >= maxConnectionsPerUser {
		// Evict the oldest-registered connection for this user.
		for id, c := range h.clients[client.userID] {
			delete(h.clients[client.userID], id)
			h.dropClient(c)
			break
		}
	}

	h.clients[client.userID][client.clientID] = client
	h.mu.Unlock()

	if h.sessions != nil {
		if err := h.sessions.SetOnline(context.Background(), client.userID, client.clientID); err != nil {
			h.logger.Warnf("realtime: session registry set online failed: %v", err)
		}
	}

	h.metrics.SetActiveConnections(int64(h.ConnectionCount()))
	h.logger.Infof("realtime: client %s connected for user %s", client.clientID, client.userID)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	removed := false
	if userClients, ok := h.clients[client.userID]; ok {
		if _, ok := userClients[client.clientID]; ok {
			delete(userClients, client.clientID)
			removed = true
			if len(userClients) == 0 {
				delete(h.clients, client.userID)
			}
		}
	}
	h.mu.Unlock()

	if !removed {
		return
	}
	h.dropClient(client)

	if h.sessions != nil {
		if err := h.sessions.SetOffline(context.Background(), client.userID, client.clientID); err != nil {
			h.logger.Warnf("realtime: session registry set offline failed: %v", err)
		}
	}

	h.metrics.SetActiveConnections(int64(h.ConnectionCount()))
	h.logger.Infof("realtime: client %s disconnected for user %s", client.clientID, client.userID)
}

func (h *Hub) handleBroadcast(msg *broadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range msg.userIDs {
		userClients, ok := h.clients[userID]
		if !ok {
			continue
		}
		for _, client := range userClients {
			select {
			case client.send <- msg.data:
				h.metrics.IncNotificationsSent()
			default:
				// Slow consumer; drop rather than block the hub.
				h.logger.Warnf("realtime: send buffer full for client %s, dropping", client.clientID)
			}
		}
	}
}

func (h *Hub) dropClient(client *Client) {
	client.closeOnce.Do(func() {
		close(client.send)
		client.conn.Close()
	})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, userClients := range h.clients {
		for id, c := range userClients {
			delete(userClients, id)
			h.dropClient(c)
		}
		delete(h.clients, userID)
	}
	h.metrics.SetActiveConnections(0)
}
