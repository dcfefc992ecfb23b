package gateway

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"statesync/internal/auth"
	"statesync/internal/loader"
	"statesync/internal/logger"
	"statesync/internal/metrics"
	"statesync/internal/schema"
	"statesync/internal/store/redis"
)

// Hub owns the connected clients of this process and the shared
// delivery machinery.
type Hub struct {
	auth    *auth.Manager
	coord   *redis.Client
	loader  *loader.Loader
	groups  *Groups
	router  *Router
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub wires the gateway. metrics may be nil in tests.
func NewHub(authMgr *auth.Manager, coord *redis.Client, ldr *loader.Loader, m *metrics.Metrics) *Hub {
	groups := NewGroups(coord)
	groups.metrics = m
	return &Hub{
		auth:    authMgr,
		coord:   coord,
		loader:  ldr,
		groups:  groups,
		router:  NewRouter(groups),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
	}
}

// Router returns the group router; the delta pipeline dispatches
// through it.
func (h *Hub) Router() *Router { return h.router }

// Run drives the group fan-out loop. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.groups.Run(ctx)
}

// ServeWS upgrades /ws/{channel}/{anchor} requests and runs the
// connection. List channels omit the anchor segment and resolve their
// anchor set from the first frame.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	if path == "" {
		http.Error(w, "missing channel", http.StatusNotFound)
		return
	}
	channelName, anchorID := path, ""
	if i := strings.Index(path, "/"); i >= 0 {
		channelName, anchorID = path[:i], path[i+1:]
	}

	ch := schema.Lookup(channelName)
	if ch == nil {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	if !ch.Many && anchorID == "" {
		http.Error(w, "missing anchor", http.StatusNotFound)
		return
	}

	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	client := newClient(h, conn, ch, logger.NewConnID(), anchorID, params)
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectedClients.Set(float64(count))
	}
	log.Printf("[gateway] conn=%s connected to %s (%d total)", client.id, channelName, count)

	go client.run()
}

// remove unregisters a client after its pumps stop.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	h.groups.LeaveAll(c)
	if h.metrics != nil {
		h.metrics.ConnectedClients.Set(float64(count))
	}
	log.Printf("[gateway] conn=%s disconnected (%d total)", c.id, count)
}

// ClientCount returns the number of locally connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
