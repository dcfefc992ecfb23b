package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"statesync/internal/document"
)

// Anchor cache states as stored under the state key.
const (
	StateCold    = 0
	StateHeating = 1
	StateHot     = 2
	StateCooling = 3
)

// ErrSnapshotAborted is returned by list readers when the writer rolled
// the anchor back to COLD and poisoned the instances list.
var ErrSnapshotAborted = errors.New("statecache: snapshot aborted by writer")

// Key suffixes of the per-anchor key group, in script KEYS order.
var keySuffixes = [7]string{
	"state",
	"access_time",
	"instances",
	"readers",
	"instances_trigger",
	"sessions",
	"last_disconnect",
}

// StateSession drives the cache state machine for one (channel, anchor)
// pair. One session per connected client per anchor; the Lua scripts
// make every transition atomic across processes.
type StateSession struct {
	c        *Client
	channel  string
	anchorID string
	keys     []string

	// InitialState is the state observed by Start, before any
	// transition it caused.
	InitialState int

	// Tstamp is the coordination clock reading taken at Start. COLD
	// snapshots stamp every document with it.
	Tstamp float64
}

// Session binds a state session to one anchor of a channel.
func (c *Client) Session(channel, anchorID string) *StateSession {
	keys := make([]string, len(keySuffixes))
	for i, suffix := range keySuffixes {
		keys[i] = fmt.Sprintf("%s:%s:%s", channel, anchorID, suffix)
	}
	return &StateSession{c: c, channel: channel, anchorID: anchorID, keys: keys}
}

// AnchorID returns the anchor this session is bound to.
func (s *StateSession) AnchorID() string { return s.anchorID }

// TriggerTopic returns the pub/sub topic carrying instances list growth.
func (s *StateSession) TriggerTopic() string { return s.keys[4] }

// Start reads the clock, runs the session-start transition and records
// the prior state. COLD flips the anchor to HEATING and makes the caller
// the writer; HEATING and COOLING make it a list reader; HOT leaves the
// caller to read the document cache directly.
func (s *StateSession) Start(ctx context.Context) (int, error) {
	tstamp, err := s.c.Tstamp(ctx)
	if err != nil {
		return 0, err
	}
	state, err := startSessionScript.Run(ctx, s.c.rdb, s.keys, tstamp).Int()
	if err != nil {
		return 0, fmt.Errorf("start session %s/%s: %w", s.channel, s.anchorID, err)
	}
	s.InitialState = state
	s.Tstamp = tstamp
	return state, nil
}

// End closes the session according to the state observed at Start. A
// failed COLD session rolls the anchor back so the next client retries
// the snapshot from scratch.
func (s *StateSession) End(ctx context.Context, success bool) error {
	switch s.InitialState {
	case StateCold:
		if !success {
			return s.RollbackToCold(ctx)
		}
		err := endColdSessionScript.Run(ctx, s.c.rdb, s.keys).Err()
		if err != nil {
			return fmt.Errorf("end cold session %s/%s: %w", s.channel, s.anchorID, err)
		}
		return nil
	case StateHeating, StateCooling:
		err := endHeatingSessionScript.Run(ctx, s.c.rdb, s.keys).Err()
		if err != nil {
			return fmt.Errorf("end heating session %s/%s: %w", s.channel, s.anchorID, err)
		}
		return nil
	default:
		// HOT sessions never touch the list.
		return nil
	}
}

// RollbackToCold abandons an in-flight snapshot. Readers still following
// the list receive a poison element and fail with ErrSnapshotAborted.
func (s *StateSession) RollbackToCold(ctx context.Context) error {
	err := rollbackToColdScript.Run(ctx, s.c.rdb, s.keys).Err()
	if err != nil {
		return fmt.Errorf("rollback %s/%s: %w", s.channel, s.anchorID, err)
	}
	return nil
}

// WriteInstances appends a batch of serialized documents to the instances
// list and publishes the new length so readers advance.
func (s *StateSession) WriteInstances(ctx context.Context, batch []document.Document) error {
	if len(batch) == 0 {
		return nil
	}
	args := make([]any, 0, len(batch))
	for _, doc := range batch {
		data, err := document.Encode(doc)
		if err != nil {
			return fmt.Errorf("encode instance %s/%s: %w", s.channel, s.anchorID, err)
		}
		args = append(args, string(data))
	}
	err := writeInstancesScript.Run(ctx, s.c.rdb, s.keys, args...).Err()
	if err != nil {
		return fmt.Errorf("write instances %s/%s: %w", s.channel, s.anchorID, err)
	}
	return nil
}

// EndWrite marks the instances list complete. With no readers left the
// list is dropped immediately; otherwise the negated final length is
// published as the end-of-stream signal.
func (s *StateSession) EndWrite(ctx context.Context) error {
	err := endWriteScript.Run(ctx, s.c.rdb, s.keys).Err()
	if err != nil {
		return fmt.Errorf("end write %s/%s: %w", s.channel, s.anchorID, err)
	}
	return nil
}

// StartCooling flips a HOT anchor to COOLING unconditionally. Reports
// whether the transition happened.
func (s *StateSession) StartCooling(ctx context.Context) (bool, error) {
	n, err := startCoolingScript.Run(ctx, s.c.rdb, s.keys).Int()
	if err != nil {
		return false, fmt.Errorf("start cooling %s/%s: %w", s.channel, s.anchorID, err)
	}
	return n == 1, nil
}

// StartCoolingIfStale flips a HOT anchor to COOLING only when no client
// is connected and the last disconnect is at least ttl in the past.
func (s *StateSession) StartCoolingIfStale(ctx context.Context, now float64, ttl time.Duration) (bool, error) {
	n, err := startCoolingIfStaleScript.Run(ctx, s.c.rdb, s.keys, now, ttl.Seconds()).Int()
	if err != nil {
		return false, fmt.Errorf("start cooling if stale %s/%s: %w", s.channel, s.anchorID, err)
	}
	return n == 1, nil
}

// FinishCooling ends a cooling cycle after the document cache has been
// drained into the instances list. Returns 0 when the anchor went COLD,
// 1 when a late joiner fused the state back to HEATING and the documents
// must be written back, and -1 when the state changed underneath.
func (s *StateSession) FinishCooling(ctx context.Context) (int, error) {
	n, err := finishCoolingScript.Run(ctx, s.c.rdb, s.keys).Int()
	if err != nil {
		return 0, fmt.Errorf("finish cooling %s/%s: %w", s.channel, s.anchorID, err)
	}
	return n, nil
}

// Reheat settles a fused cooling cycle: once the last list reader is
// done the instances list drops and the anchor returns to HOT, its
// document cache intact.
func (s *StateSession) Reheat(ctx context.Context) error {
	err := endColdSessionScript.Run(ctx, s.c.rdb, s.keys).Err()
	if err != nil {
		return fmt.Errorf("reheat %s/%s: %w", s.channel, s.anchorID, err)
	}
	return nil
}

// Connect counts one more live client on the anchor.
func (s *StateSession) Connect(ctx context.Context) error {
	err := s.c.rdb.Incr(ctx, s.keys[5]).Err()
	if err != nil {
		return fmt.Errorf("connect %s/%s: %w", s.channel, s.anchorID, err)
	}
	return nil
}

// Disconnect counts one client off the anchor and, when the count hits
// zero, stamps last_disconnect so the sweeper can expire the cache.
func (s *StateSession) Disconnect(ctx context.Context, now float64) error {
	err := sessionDisconnectScript.Run(ctx, s.c.rdb, s.keys, now).Err()
	if err != nil {
		return fmt.Errorf("disconnect %s/%s: %w", s.channel, s.anchorID, err)
	}
	return nil
}

// State reads the current cache state. Missing key means COLD.
func (s *StateSession) State(ctx context.Context) (int, error) {
	n, err := s.c.rdb.Get(ctx, s.keys[0]).Int()
	if err != nil {
		if errors.Is(err, redisNil) {
			return StateCold, nil
		}
		return 0, fmt.Errorf("state %s/%s: %w", s.channel, s.anchorID, err)
	}
	return n, nil
}

// IdleSince returns the last_disconnect stamp when no client is
// connected to the anchor, and 0 otherwise.
func (s *StateSession) IdleSince(ctx context.Context) (float64, error) {
	sessions, err := s.c.rdb.Get(ctx, s.keys[5]).Int()
	if err != nil && !errors.Is(err, redisNil) {
		return 0, fmt.Errorf("sessions %s/%s: %w", s.channel, s.anchorID, err)
	}
	if sessions > 0 {
		return 0, nil
	}
	last, err := s.c.rdb.Get(ctx, s.keys[6]).Float64()
	if err != nil {
		if errors.Is(err, redisNil) {
			return 0, nil
		}
		return 0, fmt.Errorf("last disconnect %s/%s: %w", s.channel, s.anchorID, err)
	}
	return last, nil
}

// AccessTime reads the tstamp of the most recent session start, or 0.
func (s *StateSession) AccessTime(ctx context.Context) (float64, error) {
	v, err := s.c.rdb.Get(ctx, s.keys[1]).Float64()
	if err != nil {
		if errors.Is(err, redisNil) {
			return 0, nil
		}
		return 0, fmt.Errorf("access time %s/%s: %w", s.channel, s.anchorID, err)
	}
	return v, nil
}
