package api

import (
	"sync"

	"thrilha/changefeed"
	"thrilha/domain"
)

// client is one open SSE connection.
type client struct {
	userID string
	filter changefeed.Filter
	events chan domain.Change
	// resync is signalled when an event had to be dropped.
	resync chan struct{}
}

func newClient(userID string, filter changefeed.Filter, buffer int) *client {
	if buffer <= 0 {
		buffer = 1
	}
	return &client{
		userID: userID,
		filter: filter,
		events: make(chan domain.Change, buffer),
		resync: make(chan struct{}, 1),
	}
}

// Hub fans live changes out to the connections of the users in each change's
// audience. Delivery never blocks: a client whose buffer is full loses the
// event and is told to resync.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

// Broadcast delivers ch to every matching connection.
func (h *Hub) Broadcast(ch domain.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range ch.Audience {
		for c := range h.clients[userID] {
			if !c.filter.Matches(ch, userID) {
				continue
			}
			select {
			case c.events <- ch:
			default:
				select {
				case c.resync <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
