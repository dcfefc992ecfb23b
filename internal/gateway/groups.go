// Package gateway is the websocket edge: connection lifecycle, the
// group fan-out layer and the client-facing wire protocol.
package gateway

import (
	"context"
	"log"
	"strings"
	"sync"

	"statesync/internal/metrics"
	"statesync/internal/store/redis"
)

// Groups is the delivery layer. Sends go through Redis pub/sub on
// group:{name} topics so every gateway process sees them; each process
// then forwards to its locally connected members.
type Groups struct {
	coord   *redis.Client
	metrics *metrics.Metrics // set by the hub, nil in isolation

	mu      sync.RWMutex
	members map[string]map[*Client]bool
}

// NewGroups creates the group layer on the shared coordination store
// connection.
func NewGroups(coord *redis.Client) *Groups {
	return &Groups{coord: coord, members: make(map[string]map[*Client]bool)}
}

// Join adds a local client to a group.
func (g *Groups) Join(group string, c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.members[group]
	if m == nil {
		m = make(map[*Client]bool)
		g.members[group] = m
	}
	m[c] = true
}

// Leave removes a local client from a group.
func (g *Groups) Leave(group string, c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m := g.members[group]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(g.members, group)
		}
	}
}

// LeaveAll removes a client from every group. Disconnect path.
func (g *Groups) LeaveAll(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for group, m := range g.members {
		delete(m, c)
		if len(m) == 0 {
			delete(g.members, group)
		}
	}
}

// Send publishes a payload to a group across all gateway processes.
func (g *Groups) Send(ctx context.Context, group string, payload []byte) error {
	if err := g.coord.Redis().Publish(ctx, "group:"+group, payload).Err(); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.GroupSends.Inc()
		g.metrics.GroupSendBytes.Add(float64(len(payload)))
	}
	return nil
}

// Run consumes the group topic pattern and forwards payloads to local
// members. Blocks until ctx is cancelled.
func (g *Groups) Run(ctx context.Context) {
	pubsub := g.coord.Redis().PSubscribe(ctx, "group:*")
	defer pubsub.Close()

	log.Printf("[gateway] group fan-out running")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			group := strings.TrimPrefix(msg.Channel, "group:")
			g.forward(group, []byte(msg.Payload))
		}
	}
}

func (g *Groups) forward(group string, payload []byte) {
	g.mu.RLock()
	members := make([]*Client, 0, len(g.members[group]))
	for c := range g.members[group] {
		members = append(members, c)
	}
	g.mu.RUnlock()

	for _, c := range members {
		c.deliver(payload)
	}
}
