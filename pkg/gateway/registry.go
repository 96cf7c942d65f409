package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/ctxlab/internal/observability"
	"github.com/rs/zerolog"
)

// ClientRegistry manages connected WebSocket clients
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

// NewClientRegistry creates a new client registry
func NewClientRegistry(logger zerolog.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	n := len(r.clients)
	r.mu.Unlock()

	observability.SetGatewayConnections(n)
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	n := len(r.clients)
	r.mu.Unlock()

	observability.SetGatewayConnections(n)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information ordered by connect time.
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	clients := r.GetAll()
	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		infos = append(infos, client.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Broadcast writes frame to every authenticated client and returns how many
// writes succeeded.
func (r *ClientRegistry) Broadcast(frame ControlFrame) int {
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().UnixMilli()
	}

	success, failed := 0, 0
	for _, client := range r.GetAll() {
		if !client.Authenticated() {
			continue
		}
		if err := client.WriteJSON(frame); err != nil {
			r.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("frame", frame.Type).
				Msg("Failed to broadcast to client")
			failed++
			continue
		}
		success++
	}

	r.logger.Debug().
		Str("frame", frame.Type).
		Int("success", success).
		Int("failed", failed).
		Msg("Broadcast complete")
	return success
}

// CloseAll closes every client connection.
func (r *ClientRegistry) CloseAll() {
	for _, client := range r.GetAll() {
		_ = client.Conn.Close()
	}
}
