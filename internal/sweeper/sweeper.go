// Package sweeper expires idle anchors. A HOT anchor whose last client
// left more than the channel TTL ago is driven COOLING then COLD: its
// cached documents migrate through the instances list so a late joiner
// can still fuse onto the stream, then the cache rows are dropped.
package sweeper

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

// migrationBatchSize bounds instances list appends during cooling.
const migrationBatchSize = 256

// Sweeper scans registered channels on a fixed interval.
type Sweeper struct {
	coord    *redis.Client
	cache    *sqlite.Cache
	interval time.Duration
	metrics  *metrics.Metrics
}

// New wires the sweeper. metrics may be nil.
func New(coord *redis.Client, cache *sqlite.Cache, interval time.Duration, m *metrics.Metrics) *Sweeper {
	return &Sweeper{coord: coord, cache: cache, interval: interval, metrics: m}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[sweeper] running every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one scan cycle over every registered channel.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SweepScans.Inc()
	}
	for _, ch := range schema.Registered() {
		if err := s.sweepChannel(ctx, ch); err != nil {
			log.Printf("[sweeper] sweep %s: %v", ch.Name, err)
		}
	}
}

func (s *Sweeper) sweepChannel(ctx context.Context, ch *schema.Channel) error {
	if ch.CacheTTL <= 0 {
		return nil
	}
	anchors, err := s.coord.ScanAnchors(ctx, ch.Name)
	if err != nil {
		return err
	}
	now, err := s.coord.Tstamp(ctx)
	if err != nil {
		return err
	}

	for _, anchorID := range anchors {
		sess := s.coord.Session(ch.Name, anchorID)
		stale, err := sess.StartCoolingIfStale(ctx, now, ch.CacheTTL)
		if err != nil {
			log.Printf("[sweeper] stale check %s/%s: %v", ch.Name, anchorID, err)
			continue
		}
		if !stale {
			continue
		}
		if err := s.coolAnchor(ctx, ch, sess); err != nil {
			log.Printf("[sweeper] cool %s/%s: %v", ch.Name, anchorID, err)
		}
	}
	return nil
}

// coolAnchor migrates the document cache into the instances list and
// finalizes the cooling cycle. When a joiner fused the state back to
// HEATING it follows the list instead, and the anchor reheats with its
// cache intact.
func (s *Sweeper) coolAnchor(ctx context.Context, ch *schema.Channel, sess *redis.StateSession) error {
	start := time.Now()
	anchorID := sess.AnchorID()

	all, err := s.cache.FindAll(ctx, ch.Name, anchorID)
	if err != nil {
		return err
	}
	// Tombstones stay behind: a fused joiner builds fresh state and must
	// never see a deleted document. The cache keeps them for reheat since
	// rows are only dropped once cooling finalizes to COLD.
	docs := all[:0]
	for _, doc := range all {
		if !doc.Deleted() {
			docs = append(docs, doc)
		}
	}
	for len(docs) > 0 {
		n := len(docs)
		if n > migrationBatchSize {
			n = migrationBatchSize
		}
		batch := make([]document.Document, n)
		for i, doc := range docs[:n] {
			d := doc.Clone()
			d[document.FieldOperation] = document.OpInitialState
			batch[i] = d
		}
		if err := sess.WriteInstances(ctx, batch); err != nil {
			return err
		}
		docs = docs[n:]
	}

	res, err := sess.FinishCooling(ctx)
	if err != nil {
		return err
	}
	switch res {
	case 0:
		if err := s.cache.DeleteAll(ctx, ch.Name, anchorID); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.AnchorsCooled.Inc()
			s.metrics.CoolingDur.Observe(time.Since(start).Seconds())
		}
		log.Printf("[sweeper] %s/%s expired to COLD", ch.Name, anchorID)
	case 1:
		// A client joined mid-cooling and is following the list.
		if err := sess.Reheat(ctx); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.AnchorsFused.Inc()
		}
		log.Printf("[sweeper] %s/%s reheated by late joiner", ch.Name, anchorID)
	default:
		log.Printf("[sweeper] %s/%s changed state mid-cooling", ch.Name, anchorID)
	}
	return nil
}

// ScanStale lists the HOT anchors of a channel past their TTL without
// expiring them. Dry-run for operators.
func (s *Sweeper) ScanStale(ctx context.Context, ch *schema.Channel) ([]string, error) {
	anchors, err := s.coord.ScanAnchors(ctx, ch.Name)
	if err != nil {
		return nil, err
	}
	now, err := s.coord.Tstamp(ctx)
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, anchorID := range anchors {
		sess := s.coord.Session(ch.Name, anchorID)
		state, err := sess.State(ctx)
		if err != nil {
			return nil, err
		}
		if state != redis.StateHot {
			continue
		}
		idle, err := sess.IdleSince(ctx)
		if err != nil {
			return nil, err
		}
		if idle > 0 && now-idle >= ch.CacheTTL.Seconds() {
			stale = append(stale, anchorID)
		}
	}
	return stale, nil
}

// ClearCache manually expires one anchor regardless of TTL. Fails
// quietly when the anchor is not HOT.
func (s *Sweeper) ClearCache(ctx context.Context, ch *schema.Channel, anchorID string) error {
	sess := s.coord.Session(ch.Name, anchorID)
	ok, err := sess.StartCooling(ctx)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("[sweeper] clear %s/%s: not HOT, nothing to do", ch.Name, anchorID)
		return nil
	}
	return s.coolAnchor(ctx, ch, sess)
}

// InitChannel wipes every coordination key and cached document of a
// channel. Startup reset.
func (s *Sweeper) InitChannel(ctx context.Context, ch *schema.Channel) error {
	if err := s.coord.InitChannel(ctx, ch.Name); err != nil {
		return err
	}
	return s.cache.PurgeChannel(ctx, ch.Name)
}
