// Package delta turns committed document images into the minimal payloads
// broadcast to subscribers. For every anchor containing a mutated
// document it swaps the cached image, diffs against the prior one and
// dispatches either the delta or, when no prior exists, the full
// document.
package delta

import (
	"context"
	"log"
	"time"

	"statesync/internal/document"
	"statesync/internal/metrics"
	"statesync/internal/schema"
	"statesync/internal/store/redis"
	"statesync/internal/store/sqlite"
)

// Dispatcher fans a payload out to the subscribers of one anchor. The
// gateway's group router implements it; payload routing by user key
// happens there.
type Dispatcher interface {
	SendToAnchor(ctx context.Context, channel, anchorID string, docs []document.Document) error
}

// Writer is the relay stage of the pipeline.
type Writer struct {
	coord    *redis.Client
	cache    *sqlite.Cache
	dispatch Dispatcher
	breaker  *Breaker
	metrics  *metrics.Metrics
}

// NewWriter wires the relay stage. The breaker guards document cache
// writes so a failing cache degrades broadcasts instead of blocking
// commits.
func NewWriter(coord *redis.Client, cache *sqlite.Cache, dispatch Dispatcher) *Writer {
	return &Writer{
		coord:    coord,
		cache:    cache,
		dispatch: dispatch,
		breaker:  NewBreaker(5, 10*time.Second),
	}
}

// Breaker exposes the cache write breaker for health reporting.
func (w *Writer) Breaker() *Breaker { return w.breaker }

// SetMetrics attaches instrumentation. Nil is fine; relays then run
// unobserved.
func (w *Writer) SetMetrics(m *metrics.Metrics) { w.metrics = m }

// Relay projects one committed document to its anchors. Inactive anchors
// are skipped: their cache does not exist and a later COLD snapshot
// rebuilds from source. Per-anchor failures are logged and do not stop
// the remaining anchors; the last error is returned.
func (w *Writer) Relay(ctx context.Context, ch *schema.Channel, doc document.Document) error {
	anchors, err := ch.AnchorsFor(ctx, doc)
	if err != nil {
		return err
	}
	return w.RelayTo(ctx, ch, anchors, doc)
}

// RelayTo projects a document to an explicit anchor set. Deletes take
// this path: their anchors are captured from the pre-delete image, which
// the tombstone can no longer resolve.
func (w *Writer) RelayTo(ctx context.Context, ch *schema.Channel, anchors []string, doc document.Document) error {
	var lastErr error
	for _, anchorID := range anchors {
		if err := w.relayToAnchor(ctx, ch, anchorID, doc); err != nil {
			log.Printf("[delta] relay %s/%s %s id=%s: %v",
				ch.Name, anchorID, doc.InstanceType(), doc.ID(), err)
			lastErr = err
		}
	}
	return lastErr
}

func (w *Writer) relayToAnchor(ctx context.Context, ch *schema.Channel, anchorID string, doc document.Document) error {
	active, err := w.coord.IsActive(ctx, ch.Name, anchorID)
	if err != nil {
		return err
	}
	if !active {
		if w.metrics != nil {
			w.metrics.RelaySkips.Inc()
		}
		return nil
	}

	var prior, stored document.Document
	start := time.Now()
	err = w.breaker.Execute(func() error {
		var err error
		prior, stored, err = w.cache.ReplaceReturningPrior(ctx, ch.Name, anchorID, doc)
		return err
	})
	if w.metrics != nil {
		w.metrics.CacheWriteDur.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}

	payload := w.payload(prior, doc, stored)
	if payload == nil {
		return nil
	}
	if err := w.dispatch.SendToAnchor(ctx, ch.Name, anchorID, []document.Document{payload}); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.DeltasTotal.Inc()
	}
	return nil
}

// payload picks what goes on the wire: the full image for new documents,
// deletes and liveness flips, the stored stub for spilled bodies, and
// otherwise the minimal delta. Nil means nothing changed.
func (w *Writer) payload(prior, doc, stored document.Document) document.Document {
	if stored.GridRef() != "" {
		return stored
	}
	if prior == nil {
		return doc
	}
	if doc.Operation() == document.OpDelete || prior.Deleted() != doc.Deleted() {
		return doc
	}
	return document.GenerateDelta(prior, doc)
}

// BroadcastOnly dispatches a document to its anchors without touching the
// cache. Optimistic provisional images take this path; the committed
// image follows through Relay.
func (w *Writer) BroadcastOnly(ctx context.Context, ch *schema.Channel, doc document.Document) error {
	anchors, err := ch.AnchorsFor(ctx, doc)
	if err != nil {
		return err
	}
	var lastErr error
	for _, anchorID := range anchors {
		active, err := w.coord.IsActive(ctx, ch.Name, anchorID)
		if err == nil && !active {
			continue
		}
		if err == nil {
			err = w.dispatch.SendToAnchor(ctx, ch.Name, anchorID, []document.Document{doc})
		}
		if err != nil {
			log.Printf("[delta] broadcast %s/%s %s id=%s: %v",
				ch.Name, anchorID, doc.InstanceType(), doc.ID(), err)
			lastErr = err
		}
	}
	return lastErr
}
