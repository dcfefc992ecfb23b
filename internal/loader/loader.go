// Package loader streams the initial state of an anchor to a connecting
// client. The coordination store decides the variant: COLD sessions
// build the snapshot from the authoritative store while feeding cache
// and followers, HEATING and COOLING sessions follow the instances list,
// HOT sessions read the document cache directly.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log"

	"statesync/internal/document"
	"statesync/internal/schema"
	"statesync/internal/source"
	"statesync/internal/store/redis"
	"statesync/internal/store/sqlite"
)

// ErrAnchorNotFound marks a COLD load whose root object does not exist.
// The gateway maps it to a 404 close.
var ErrAnchorNotFound = errors.New("loader: anchor not found")

// hotBatchSize bounds the size of batches read from the document cache.
const hotBatchSize = 256

// Loader runs initial-state sessions.
type Loader struct {
	coord *redis.Client
	cache *sqlite.Cache
}

// New wires the loader to the coordination store and the document cache.
func New(coord *redis.Client, cache *sqlite.Cache) *Loader {
	return &Loader{coord: coord, cache: cache}
}

// Load streams the initial state of one anchor, batch by batch, filtered
// to what userKey may see. Returns the session tstamp, which callers use
// for the end-of-initial-state sentinel. The session ends successfully
// only when the whole stream was delivered; a failed COLD session rolls
// the anchor back so the next client retries.
func (l *Loader) Load(ctx context.Context, ch *schema.Channel, anchorID, userKey string, yield func(batch []document.Document) error) (tstamp float64, err error) {
	s := l.coord.Session(ch.Name, anchorID)
	state, err := s.Start(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if endErr := s.End(ctx, err == nil); endErr != nil {
			log.Printf("[loader] end session %s/%s: %v", ch.Name, anchorID, endErr)
		}
	}()

	switch state {
	case redis.StateCold:
		err = l.loadCold(ctx, ch, s, userKey, yield)
	case redis.StateHeating, redis.StateCooling:
		err = l.follow(ctx, s, userKey, yield)
	case redis.StateHot:
		err = l.loadHot(ctx, ch, anchorID, userKey, yield)
	default:
		err = fmt.Errorf("load %s/%s: unknown state %d", ch.Name, anchorID, state)
	}
	if err != nil {
		return 0, err
	}
	return s.Tstamp, nil
}

// loadCold builds the snapshot from the authoritative store. Every batch
// is cached, appended to the instances list for followers and yielded to
// the caller.
func (l *Loader) loadCold(ctx context.Context, ch *schema.Channel, s *redis.StateSession, userKey string, yield func([]document.Document) error) error {
	anchorID := s.AnchorID()

	// Residue of a previous HOT period that never finished cooling.
	if err := l.cache.DeleteAll(ctx, ch.Name, anchorID); err != nil {
		return err
	}

	root, err := ch.GetAnchor(ctx, anchorID)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return ErrAnchorNotFound
		}
		return fmt.Errorf("get anchor %s/%s: %w", ch.Name, anchorID, err)
	}

	err = ch.Root.SerializeGraph(ctx, []any{root}, s.Tstamp, func(batch []document.Document) error {
		for _, doc := range batch {
			if err := l.cache.Upsert(ctx, ch.Name, anchorID, doc); err != nil {
				return err
			}
		}
		if err := s.WriteInstances(ctx, batch); err != nil {
			return err
		}
		return yield(filterUser(batch, userKey))
	})
	if err != nil {
		return err
	}
	return s.EndWrite(ctx)
}

// follow consumes the instances list fed by a concurrent COLD or COOLING
// session.
func (l *Loader) follow(ctx context.Context, s *redis.StateSession, userKey string, yield func([]document.Document) error) error {
	return s.ListInstances(ctx, func(batch []document.Document) error {
		return yield(filterUser(batch, userKey))
	})
}

// loadHot reads the document cache type by type in graph declaration
// order, so parents always precede their children on the wire.
func (l *Loader) loadHot(ctx context.Context, ch *schema.Channel, anchorID, userKey string, yield func([]document.Document) error) error {
	for _, instanceType := range ch.TypeOrder() {
		docs, err := l.cache.Find(ctx, ch.Name, anchorID, instanceType, userKey)
		if err != nil {
			return err
		}
		for len(docs) > 0 {
			n := len(docs)
			if n > hotBatchSize {
				n = hotBatchSize
			}
			batch := make([]document.Document, n)
			for i, doc := range docs[:n] {
				d := doc.Clone()
				d[document.FieldOperation] = document.OpInitialState
				batch[i] = d
			}
			if err := yield(batch); err != nil {
				return err
			}
			docs = docs[n:]
		}
	}
	return nil
}

// LoadSince streams the documents mutated after since, the catch-up for
// a reconnecting client. Only a HOT anchor can serve it; any other state
// reports ok=false and the caller falls back to a full load.
func (l *Loader) LoadSince(ctx context.Context, ch *schema.Channel, anchorID, userKey string, since float64, yield func(batch []document.Document) error) (tstamp float64, ok bool, err error) {
	s := l.coord.Session(ch.Name, anchorID)
	state, err := s.Start(ctx)
	if err != nil {
		return 0, false, err
	}

	if state != redis.StateHot {
		// Start may have flipped the anchor to HEATING; hand the slot
		// back before the full load retries.
		if state == redis.StateCold {
			err = s.RollbackToCold(ctx)
		} else {
			err = s.End(ctx, true)
		}
		return 0, false, err
	}

	docs, err := l.cache.FindSince(ctx, ch.Name, anchorID, since, userKey)
	if err != nil {
		return 0, false, err
	}
	if len(docs) > 0 {
		if err := yield(docs); err != nil {
			return 0, false, err
		}
	}
	return s.Tstamp, true, nil
}

func filterUser(batch []document.Document, userKey string) []document.Document {
	out := make([]document.Document, 0, len(batch))
	for _, doc := range batch {
		if uk := doc.UserKey(); uk == "" || uk == userKey {
			out = append(out, doc)
		}
	}
	return out
}
