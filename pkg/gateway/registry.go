package gateway

import (
	"sort"
	"sync"
	"time"
)

// idleAfter marks a client idle in ClientInfo.
const idleAfter = 5 * time.Minute

// Registry holds the live websocket clients keyed by ID.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

// Add registers client, replacing any client with the same ID.
func (r *Registry) Add(client *Client) {
	r.mu.Lock()
	previous := r.clients[client.ID]
	r.clients[client.ID] = client
	r.mu.Unlock()

	if previous != nil && previous != client {
		previous.unwatchAll()
	}
}

// Remove drops a client and its session subscriptions.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	client, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()

	if ok {
		client.unwatchAll()
	}
}

// Get looks a client up by ID.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	return client, ok
}

// Len counts the registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// All returns every client. When authenticatedOnly is set, clients still
// answering their challenge are left out.
func (r *Registry) All(authenticatedOnly bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if authenticatedOnly && !client.Authenticated {
			continue
		}
		out = append(out, client)
	}
	return out
}

// Touch records activity for a client.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[id]; ok {
		client.LastActivity = r.now()
	}
}

// Snapshot describes every client, oldest connection first.
func (r *Registry) Snapshot() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		sessions := client.Sessions()
		sort.Strings(sessions)
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.LastActivity) > idleAfter,
			Sessions:      sessions,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
