// Package demo declares the chat channel used by the bundled binaries.
// It keeps its objects in a MemStore; a real deployment declares its own
// channels against its own database and wires them the same way.
package demo

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"statesync/internal/document"
	"statesync/internal/schema"
	"statesync/internal/source"
	"statesync/internal/txn"
)

// Room is a chat room; one room per anchor.
type Room struct {
	ID   int
	Name string
}

// Message is one chat message inside a room.
type Message struct {
	ID     int
	Room   int
	Author string
	Text   string
}

// Chat bundles the channel declaration with its backing store.
type Chat struct {
	Channel *schema.Channel
	Store   *source.MemStore

	nextID int64
}

// RegisterChat declares the chat channel over src and seeds a couple of
// rooms. bc may be nil when no mutation path runs in the process (the
// sweeper); the actions then refuse with an error.
func RegisterChat(src *source.MemStore, bc *txn.Broadcaster, ttl time.Duration) (*Chat, error) {
	c := &Chat{Store: src, nextID: 100}

	messageNode := &schema.Node{
		InstanceType: "chat.Message",
		Serialize: func(obj any) document.Document {
			m := obj.(*Message)
			return document.Document{
				"id": m.ID, "room": m.Room, "author": m.Author, "text": m.Text,
			}
		},
		AnchorIDs: func(_ context.Context, doc document.Document) ([]string, error) {
			return []string{document.KeyString(doc["room"])}, nil
		},
	}
	roomNode := &schema.Node{
		InstanceType: "chat.Room",
		Serialize: func(obj any) document.Document {
			r := obj.(*Room)
			return document.Document{"id": r.ID, "name": r.Name}
		},
		Edges: []schema.Edge{{
			Name: "messages",
			Node: messageNode,
			Fetch: func(_ context.Context, parent any) ([]any, error) {
				r := parent.(*Room)
				return c.Store.List("chat.Message", func(obj any) bool {
					return obj.(*Message).Room == r.ID
				}), nil
			},
		}},
	}

	c.Channel = &schema.Channel{
		Name:     "chat",
		Root:     roomNode,
		CacheTTL: ttl,
		GetAnchor: func(ctx context.Context, anchorID string) (any, error) {
			return c.Store.Get(ctx, "chat.Room", anchorID)
		},
		HasPermission: func(context.Context, string, string) bool { return true },
		RuntimeVars:   []string{"typing_in"},
		Actions: map[string]schema.Action{
			"send_message": func(ctx context.Context, sess schema.Session, params []any) (any, error) {
				if bc == nil {
					return nil, fmt.Errorf("mutations disabled in this process")
				}
				if len(params) != 2 {
					return nil, fmt.Errorf("send_message wants [room, text]")
				}
				room, err := strconv.Atoi(document.KeyString(params[0]))
				if err != nil {
					return nil, fmt.Errorf("bad room id %v", params[0])
				}
				text, _ := params[1].(string)
				msg := &Message{
					ID:     int(atomic.AddInt64(&c.nextID, 1)),
					Room:   room,
					Author: sess.UserID(),
					Text:   text,
				}
				c.Store.Put("chat.Message", msg.ID, msg)
				if err := bc.Saved(ctx, c.Channel, messageNode, msg, document.OpCreate); err != nil {
					return nil, err
				}
				return msg.ID, nil
			},
			"delete_message": func(ctx context.Context, _ schema.Session, params []any) (any, error) {
				if bc == nil {
					return nil, fmt.Errorf("mutations disabled in this process")
				}
				if len(params) != 1 {
					return nil, fmt.Errorf("delete_message wants [id]")
				}
				obj, err := c.Store.Get(ctx, "chat.Message", params[0])
				if err != nil {
					return nil, err
				}
				if err := bc.Deleted(ctx, c.Channel, messageNode, obj); err != nil {
					return nil, err
				}
				c.Store.Delete("chat.Message", params[0])
				return true, nil
			},
		},
	}

	if err := schema.Register(c.Channel); err != nil {
		return nil, err
	}

	c.Store.Put("chat.Room", 1, &Room{ID: 1, Name: "general"})
	c.Store.Put("chat.Room", 2, &Room{ID: 2, Name: "random"})
	return c, nil
}
