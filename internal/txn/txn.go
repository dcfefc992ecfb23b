// Package txn coalesces the mutations of one application transaction
// into a single broadcast. Signals raised while the transaction runs are
// queued and deduplicated; at commit every surviving document is
// re-fetched from the authoritative store, stamped with one shared
// tstamp and handed to the delta pipeline.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"statesync/internal/delta"
	"statesync/internal/document"
	"statesync/internal/schema"
	"statesync/internal/source"
	"statesync/internal/store/redis"
)

// Broadcaster opens transactions and runs autocommit signals. One per
// process, shared by every mutation path.
type Broadcaster struct {
	coord  *redis.Client
	src    source.Store
	writer *delta.Writer
}

// NewBroadcaster wires the coalescer to the clock, the authoritative
// store and the relay stage.
func NewBroadcaster(coord *redis.Client, src source.Store, writer *delta.Writer) *Broadcaster {
	return &Broadcaster{coord: coord, src: src, writer: writer}
}

// Begin opens an empty transaction. The caller threads the returned Tx
// through its mutation path and finishes with Commit or Rollback.
func (b *Broadcaster) Begin() *Tx {
	return &Tx{b: b, pending: make(map[string]*pending)}
}

// Saved broadcasts a single save outside any transaction.
func (b *Broadcaster) Saved(ctx context.Context, ch *schema.Channel, node *schema.Node, obj any, op string) error {
	tx := b.Begin()
	if err := tx.Save(ctx, ch, node, obj, op); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Deleted broadcasts a single delete outside any transaction.
func (b *Broadcaster) Deleted(ctx context.Context, ch *schema.Channel, node *schema.Node, obj any) error {
	tx := b.Begin()
	if err := tx.Delete(ctx, ch, node, obj); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pending struct {
	node *schema.Node
	chn  *schema.Channel
	op   string
	id   any
	key  string
	tomb document.Document // delete pre-image tombstone
	// anchors captured at enqueue time; only deletes need them since the
	// tombstone cannot resolve its own containment.
	anchors []string
}

// Tx is one open transaction. Values are passed explicitly down the
// mutation path; a Tx is safe for concurrent signal enqueueing.
type Tx struct {
	b       *Broadcaster
	mu      sync.Mutex
	order   []string
	pending map[string]*pending
	done    bool
}

func pendingKey(channel, instanceType string, id any) string {
	return fmt.Sprintf("%s/%s/%s", channel, instanceType, document.KeyString(id))
}

// Save queues a created or updated object for broadcast at commit.
// Repeated saves of the same document coalesce into one entry; a create
// followed by updates stays a create, since receivers have never seen
// the document. Optimistic nodes additionally relay a provisional image
// immediately.
func (t *Tx) Save(ctx context.Context, ch *schema.Channel, node *schema.Node, obj any, op string) error {
	doc := node.SerializeInstance(obj, 0)
	id := doc[document.FieldID]
	if id == nil {
		return fmt.Errorf("save %s: document without id", node.InstanceType)
	}
	key := pendingKey(ch.Name, node.InstanceType, id)

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return fmt.Errorf("save %s: transaction already finished", node.InstanceType)
	}
	entry, seen := t.pending[key]
	if !seen {
		entry = &pending{node: node, chn: ch, op: op, id: id, key: key}
		t.pending[key] = entry
		t.order = append(t.order, key)
	} else if entry.op != document.OpCreate {
		entry.op = op
	}
	entry.tomb = nil
	entry.anchors = nil
	t.mu.Unlock()

	if node.Optimistic {
		tstamp, err := t.b.coord.Tstamp(ctx)
		if err != nil {
			return err
		}
		provisional := node.SerializeInstance(obj, tstamp)
		provisional[document.FieldOperation] = op
		provisional[document.FieldOptimistic] = true
		if err := t.b.writer.BroadcastOnly(ctx, ch, provisional); err != nil {
			log.Printf("[txn] optimistic broadcast %s id=%s: %v",
				node.InstanceType, document.KeyString(id), err)
		}
	}
	return nil
}

// Delete queues a delete. The pre-delete image is serialized now, while
// the object still resolves its anchors; the tombstone broadcast at
// commit goes to those captured anchors.
func (t *Tx) Delete(ctx context.Context, ch *schema.Channel, node *schema.Node, obj any) error {
	image := node.SerializeInstance(obj, 0)
	id := image[document.FieldID]
	if id == nil {
		return fmt.Errorf("delete %s: document without id", node.InstanceType)
	}
	anchors, err := ch.AnchorsFor(ctx, image)
	if err != nil {
		return fmt.Errorf("delete %s: %w", node.InstanceType, err)
	}
	tomb := node.SerializeDelete(id, 0)

	key := pendingKey(ch.Name, node.InstanceType, id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("delete %s: transaction already finished", node.InstanceType)
	}
	entry, seen := t.pending[key]
	if !seen {
		entry = &pending{node: node, chn: ch, id: id, key: key}
		t.pending[key] = entry
		t.order = append(t.order, key)
	}
	entry.op = document.OpDelete
	entry.tomb = tomb
	entry.anchors = anchors
	return nil
}

// Commit re-fetches every queued save from the authoritative store,
// stamps the whole batch with one clock reading and relays it. Documents
// deleted mid-transaction without a queued delete are skipped with a
// trace. The transaction is finished afterwards regardless of errors.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return fmt.Errorf("commit: transaction already finished")
	}
	t.done = true
	order, entries := t.order, t.pending
	t.mu.Unlock()

	if len(order) == 0 {
		return nil
	}

	tstamp, err := t.b.coord.Tstamp(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, key := range order {
		entry := entries[key]
		if err := t.commitEntry(ctx, entry, tstamp); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (t *Tx) commitEntry(ctx context.Context, entry *pending, tstamp float64) error {
	if entry.op == document.OpDelete {
		tomb := entry.tomb.Clone()
		tomb[document.FieldTstamp] = tstamp
		return t.b.writer.RelayTo(ctx, entry.chn, entry.anchors, tomb)
	}

	obj, err := t.b.src.Get(ctx, entry.node.InstanceType, entry.id)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			// Deleted after the save was queued; the delete signal owns
			// the broadcast.
			log.Printf("[txn] skip vanished %s id=%s",
				entry.node.InstanceType, document.KeyString(entry.id))
			return nil
		}
		return fmt.Errorf("commit fetch %s: %w", entry.node.InstanceType, err)
	}

	doc := entry.node.SerializeInstance(obj, tstamp)
	doc[document.FieldOperation] = entry.op
	return t.b.writer.Relay(ctx, entry.chn, doc)
}

// Rollback discards the queued signals without broadcasting.
func (t *Tx) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.order = nil
	t.pending = nil
}
