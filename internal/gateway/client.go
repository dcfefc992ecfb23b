package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"statesync/internal/auth"
	"statesync/internal/document"
	"statesync/internal/loader"
	"statesync/internal/logger"
	"statesync/internal/schema"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	authWait   = 15 * time.Second

	maxFrameBytes = 1 << 20
	sendQueueSize = 256
)

// Client is one websocket peer: authenticated user, its anchor set and
// the outbound queue.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	ch        *schema.Channel
	id        string
	urlAnchor string
	params    map[string]string

	user *auth.User
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	// syncing buffers group deliveries while an initial state streams,
	// so a client never sees a delta before the snapshot that grounds it.
	mu      sync.Mutex
	syncing bool
	pending [][]byte
	anchors map[string]bool
}

// authFrame is the first client frame.
type authFrame struct {
	Token      string   `json:"token"`
	LastUpdate *float64 `json:"last_update"`
}

// callFrame is a client RPC request.
type callFrame struct {
	CallID any    `json:"callId"`
	Action string `json:"action"`
	Params []any  `json:"params"`
}

func newClient(h *Hub, conn *websocket.Conn, ch *schema.Channel, connID, anchorID string, params map[string]string) *Client {
	ctx, cancel := context.WithCancel(logger.WithConnID(context.Background(), connID))
	return &Client{
		hub:       h,
		conn:      conn,
		ch:        ch,
		id:        connID,
		urlAnchor: anchorID,
		params:    params,
		send:      make(chan []byte, sendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		anchors:   make(map[string]bool),
	}
}

// run drives the connection: handshake, initial state, then the read
// loop for RPC frames. Blocks until the peer goes away.
func (c *Client) run() {
	defer c.teardown()
	go c.writePump()

	if err := c.handshake(); err != nil {
		log.Printf("[gateway] handshake %s conn=%s: %v", c.ch.Name, c.id, err)
		return
	}
	c.readPump()
}

func (c *Client) handshake() error {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth frame: %w", err)
	}
	var frame authFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.refuse(401, "malformed auth frame")
		return auth.ErrUnauthorized
	}

	user, err := c.hub.auth.Authenticate(frame.Token)
	if err != nil {
		c.refuse(401, "unauthorized")
		return err
	}
	c.user = user

	anchors, err := c.resolveAnchors()
	if err != nil {
		return err
	}

	c.sendControl(map[string]any{"status_code": 200})
	c.sendControl(map[string]any{"initialAnchors": anchors})
	c.hub.groups.Join(SystemGroup, c)

	c.setSyncing(true)
	var tstamp float64
	for _, anchorID := range anchors {
		tstamp, err = c.attachAnchor(anchorID, frame.LastUpdate)
		if err != nil {
			if errors.Is(err, loader.ErrAnchorNotFound) {
				c.refuse(404, "anchor not found")
			}
			return err
		}
	}

	sentinel, err := document.EncodeBatch([]document.Document{document.Sentinel(tstamp)})
	if err != nil {
		return err
	}
	if err := c.write(sentinel); err != nil {
		return err
	}
	c.flushPending()

	if c.hub.metrics != nil {
		c.hub.metrics.ConnectionsTotal.WithLabelValues("200").Inc()
	}
	return nil
}

// resolveAnchors yields the initial anchor set: the url anchor, or for
// list channels whatever ListAnchors grants the user.
func (c *Client) resolveAnchors() ([]string, error) {
	var anchors []string
	if c.ch.Many {
		if c.ch.ListAnchors == nil {
			c.refuse(404, "channel has no anchors")
			return nil, fmt.Errorf("list channel %s without ListAnchors", c.ch.Name)
		}
		got, err := c.ch.ListAnchors(c.ctx, c.user.ID, c.params)
		if err != nil {
			c.refuse(404, "anchors unavailable")
			return nil, err
		}
		anchors = got
	} else {
		anchors = []string{c.urlAnchor}
	}

	if c.ch.HasPermission != nil {
		for _, anchorID := range anchors {
			if !c.ch.HasPermission(c.ctx, c.user.ID, anchorID) {
				c.refuse(403, "forbidden")
				return nil, auth.ErrForbidden
			}
		}
	}
	return anchors, nil
}

// attachAnchor subscribes the client to an anchor and streams its
// initial state. Group membership comes first so concurrent deltas land
// in the pending buffer instead of getting lost.
func (c *Client) attachAnchor(anchorID string, lastUpdate *float64) (float64, error) {
	c.hub.groups.Join(AnchorGroup(c.ch.Name, anchorID), c)
	c.hub.groups.Join(UserGroup(c.ch.Name, anchorID, c.user.ID), c)

	if err := c.hub.coord.Session(c.ch.Name, anchorID).Connect(c.ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.anchors[anchorID] = true
	c.mu.Unlock()

	start := time.Now()
	streamed := 0
	yield := func(batch []document.Document) error {
		payload, err := document.EncodeBatch(batch)
		if err != nil {
			return err
		}
		streamed += len(batch)
		return c.write(payload)
	}

	if lastUpdate != nil {
		tstamp, ok, err := c.hub.loader.LoadSince(c.ctx, c.ch, anchorID, c.user.ID, *lastUpdate, yield)
		if err != nil {
			return 0, err
		}
		if ok {
			c.countSnapshot("catchup", streamed, start)
			return tstamp, nil
		}
		// Anchor no longer HOT; fall through to a full stream.
	}

	tstamp, err := c.hub.loader.Load(c.ctx, c.ch, anchorID, c.user.ID, yield)
	if err == nil {
		c.countSnapshot("full", streamed, start)
	}
	return tstamp, err
}

func (c *Client) countSnapshot(variant string, docs int, start time.Time) {
	if c.hub.metrics != nil {
		c.hub.metrics.SnapshotsTotal.WithLabelValues(variant).Inc()
		c.hub.metrics.SnapshotDur.Observe(time.Since(start).Seconds())
		c.hub.metrics.SnapshotDocs.Observe(float64(docs))
	}
}

// readPump consumes RPC frames until the peer disconnects.
func (c *Client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var call callFrame
		if json.Unmarshal(raw, &call) != nil || call.CallID == nil {
			continue
		}
		go c.handleAction(call)
	}
}

func (c *Client) handleAction(call callFrame) {
	outcome := "ok"
	action := c.ch.Actions[call.Action]
	if action == nil {
		c.sendControl(map[string]any{"callId": call.CallID, "error": "unknown action"})
		outcome = "error"
	} else if result, err := action(c.ctx, c, call.Params); err != nil {
		log.Printf("[gateway] action %s conn=%s: %v", call.Action, logger.ConnID(c.ctx), err)
		c.sendControl(map[string]any{"callId": call.CallID, "error": err.Error()})
		outcome = "error"
	} else {
		c.sendControl(map[string]any{"callId": call.CallID, "result": result})
	}
	if c.hub.metrics != nil {
		c.hub.metrics.RPCCallsTotal.WithLabelValues(call.Action, outcome).Inc()
	}
}

// UserID implements schema.Session.
func (c *Client) UserID() string { return c.user.ID }

// SetRuntimeVar implements schema.Session.
func (c *Client) SetRuntimeVar(_ context.Context, name string, value any) error {
	return c.sendControl(map[string]any{"runtimeVar": name, "value": value})
}

// AddAnchor implements schema.Session: subscribes a new anchor on a live
// connection and streams its initial state, closing with a sentinel.
func (c *Client) AddAnchor(ctx context.Context, anchorID string, atHead bool) error {
	if c.ch.HasPermission != nil && !c.ch.HasPermission(ctx, c.user.ID, anchorID) {
		return auth.ErrForbidden
	}
	if atHead {
		if err := c.sendControl(map[string]any{"prependAnchor": anchorID}); err != nil {
			return err
		}
	}

	c.setSyncing(true)
	tstamp, err := c.attachAnchor(anchorID, nil)
	if err != nil {
		c.flushPending()
		return err
	}
	sentinel, err := document.EncodeBatch([]document.Document{document.Sentinel(tstamp)})
	if err != nil {
		return err
	}
	if err := c.write(sentinel); err != nil {
		return err
	}
	c.flushPending()
	return nil
}

// RemoveAnchor implements schema.Session: detaches an anchor and tells
// the client to drop its root document.
func (c *Client) RemoveAnchor(ctx context.Context, anchorID string) error {
	c.hub.groups.Leave(AnchorGroup(c.ch.Name, anchorID), c)
	c.hub.groups.Leave(UserGroup(c.ch.Name, anchorID, c.user.ID), c)

	c.mu.Lock()
	attached := c.anchors[anchorID]
	delete(c.anchors, anchorID)
	c.mu.Unlock()
	if !attached {
		return nil
	}

	now, err := c.hub.coord.Tstamp(ctx)
	if err != nil {
		return err
	}
	if err := c.hub.coord.Session(c.ch.Name, anchorID).Disconnect(ctx, now); err != nil {
		return err
	}

	tomb := document.Document{
		document.FieldID:           anchorID,
		document.FieldInstanceType: c.ch.Root.InstanceType,
		document.FieldTstamp:       now,
		document.FieldOperation:    document.OpDelete,
		document.FieldDeleted:      true,
	}
	payload, err := document.EncodeBatch([]document.Document{tomb})
	if err != nil {
		return err
	}
	return c.write(payload)
}

// deliver receives a group payload. During an initial-state stream the
// payload is buffered; the snapshot must land first.
func (c *Client) deliver(payload []byte) {
	c.mu.Lock()
	if c.syncing {
		c.pending = append(c.pending, payload)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.send <- payload:
	default:
		// Slow consumer: drop the connection rather than block fan-out.
		log.Printf("[gateway] send queue full, dropping conn=%s of %s", c.id, c.ch.Name)
		c.cancel()
	}
}

func (c *Client) setSyncing(v bool) {
	c.mu.Lock()
	c.syncing = v
	c.mu.Unlock()
}

// flushPending replays buffered deltas after the sentinel and returns
// the client to live delivery.
func (c *Client) flushPending() {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.syncing = false
	c.mu.Unlock()

	for _, payload := range queued {
		if err := c.write(payload); err != nil {
			return
		}
	}
}

func (c *Client) write(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *Client) sendControl(msg map[string]any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(payload)
}

// refuse sends a failure status before the connection closes.
func (c *Client) refuse(code int, msg string) {
	c.sendControl(map[string]any{"status_code": code, "error": msg})
	if c.hub.metrics != nil {
		c.hub.metrics.ConnectionsTotal.WithLabelValues(fmt.Sprint(code)).Inc()
	}
}

// writePump owns all writes to the socket: queued payloads, pings and
// the final drain when the connection winds down.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			// Flush whatever is queued, then say goodbye.
			for {
				select {
				case msg := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if c.conn.WriteMessage(websocket.TextMessage, msg) != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}

// teardown releases every anchor session and unregisters the client.
func (c *Client) teardown() {
	c.cancel()

	c.mu.Lock()
	anchors := make([]string, 0, len(c.anchors))
	for anchorID := range c.anchors {
		anchors = append(anchors, anchorID)
	}
	c.anchors = make(map[string]bool)
	c.mu.Unlock()

	if len(anchors) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		now, err := c.hub.coord.Tstamp(ctx)
		if err != nil {
			log.Printf("[gateway] disconnect clock: %v", err)
		} else {
			for _, anchorID := range anchors {
				if err := c.hub.coord.Session(c.ch.Name, anchorID).Disconnect(ctx, now); err != nil {
					log.Printf("[gateway] disconnect %s/%s: %v", c.ch.Name, anchorID, err)
				}
			}
		}
	}

	c.hub.remove(c)
	c.conn.Close()
}
