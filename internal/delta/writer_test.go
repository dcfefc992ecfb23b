package delta

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"statesync/internal/document"
	"statesync/internal/metrics"
	"statesync/internal/schema"
	"statesync/internal/store/redis"
	"statesync/internal/store/sqlite"
)

type capture struct {
	sent []document.Document
}

func (c *capture) SendToAnchor(_ context.Context, _, _ string, docs []document.Document) error {
	c.sent = append(c.sent, docs...)
	return nil
}

func newTestWriter(t *testing.T) (*Writer, *redis.Client, *capture) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	coord := redis.NewFromClient(rdb)

	cache, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	sink := &capture{}
	return NewWriter(coord, cache, sink), coord, sink
}

func chatChannel(t *testing.T) *schema.Channel {
	t.Helper()
	schema.Reset()
	message := &schema.Node{
		InstanceType: "chat.Message",
		Serialize:    func(obj any) document.Document { return obj.(document.Document) },
		AnchorIDs: func(_ context.Context, doc document.Document) ([]string, error) {
			return []string{document.KeyString(doc["room"])}, nil
		},
	}
	room := &schema.Node{
		InstanceType: "chat.Room",
		Serialize:    func(obj any) document.Document { return obj.(document.Document) },
		Edges:        []schema.Edge{{Name: "messages", Node: message}},
	}
	ch := &schema.Channel{
		Name:      "chat",
		Root:      room,
		GetAnchor: func(context.Context, string) (any, error) { return nil, nil },
	}
	if err := schema.Register(ch); err != nil {
		t.Fatalf("register channel: %v", err)
	}
	return ch
}

func heatAnchor(t *testing.T, coord *redis.Client, channel, anchorID string) {
	t.Helper()
	ctx := context.Background()
	s := coord.Session(channel, anchorID)
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := s.EndWrite(ctx); err != nil {
		t.Fatalf("end write: %v", err)
	}
	if err := s.End(ctx, true); err != nil {
		t.Fatalf("end session: %v", err)
	}
}

func chatMsg(id int, room string, tstamp float64, op, text string) document.Document {
	return document.Document{
		"id":             id,
		"_instance_type": "chat.Message",
		"_tstamp":        tstamp,
		"_operation":     op,
		"_user_key":      nil,
		"room":           room,
		"text":           text,
	}
}

func TestRelaySkipsInactiveAnchor(t *testing.T) {
	ctx := context.Background()
	w, _, sink := newTestWriter(t)
	ch := chatChannel(t)

	if err := w.Relay(ctx, ch, chatMsg(1, "42", 100, "create", "hi")); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Errorf("dispatched %d payloads to a cold anchor", len(sink.sent))
	}
}

func TestRelayNewDocumentSendsFullImage(t *testing.T) {
	ctx := context.Background()
	w, coord, sink := newTestWriter(t)
	ch := chatChannel(t)
	heatAnchor(t, coord, "chat", "42")

	if err := w.Relay(ctx, ch, chatMsg(1, "42", 100, "create", "hi")); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("dispatched %d payloads, want 1", len(sink.sent))
	}
	if got := sink.sent[0]["text"]; got != "hi" {
		t.Errorf("payload text = %v, want hi", got)
	}
	if sink.sent[0].Operation() != "create" {
		t.Errorf("payload operation = %s, want create", sink.sent[0].Operation())
	}
}

func TestRelayUpdateSendsMinimalDelta(t *testing.T) {
	ctx := context.Background()
	w, coord, sink := newTestWriter(t)
	ch := chatChannel(t)
	heatAnchor(t, coord, "chat", "42")

	if err := w.Relay(ctx, ch, chatMsg(1, "42", 100, "create", "hi")); err != nil {
		t.Fatal(err)
	}
	sink.sent = nil

	if err := w.Relay(ctx, ch, chatMsg(1, "42", 200, "update", "edited")); err != nil {
		t.Fatalf("relay update: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("dispatched %d payloads, want 1", len(sink.sent))
	}
	delta := sink.sent[0]
	if got := delta["text"]; got != "edited" {
		t.Errorf("delta text = %v, want edited", got)
	}
	if _, ok := delta["room"]; ok {
		t.Error("unchanged field leaked into the delta")
	}
	if delta.Tstamp() != 200 {
		t.Errorf("delta tstamp = %v, want 200", delta.Tstamp())
	}
}

func TestRelayUnchangedDocumentSendsNothing(t *testing.T) {
	ctx := context.Background()
	w, coord, sink := newTestWriter(t)
	ch := chatChannel(t)
	heatAnchor(t, coord, "chat", "42")

	if err := w.Relay(ctx, ch, chatMsg(1, "42", 100, "create", "hi")); err != nil {
		t.Fatal(err)
	}
	sink.sent = nil

	if err := w.Relay(ctx, ch, chatMsg(1, "42", 200, "update", "hi")); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Errorf("dispatched %d payloads for a no-op update", len(sink.sent))
	}
}

func TestRelayObservesMetrics(t *testing.T) {
	ctx := context.Background()
	w, coord, _ := newTestWriter(t)
	ch := chatChannel(t)
	heatAnchor(t, coord, "chat", "42")

	m := metrics.NewMetrics()
	w.SetMetrics(m)

	if err := w.Relay(ctx, ch, chatMsg(1, "42", 100, "create", "hi")); err != nil {
		t.Fatalf("relay: %v", err)
	}
	// Anchor 43 was never heated; the relay counts a skip instead.
	if err := w.Relay(ctx, ch, chatMsg(2, "43", 100, "create", "hi")); err != nil {
		t.Fatalf("relay to cold anchor: %v", err)
	}

	if got := testutil.ToFloat64(m.DeltasTotal); got != 1 {
		t.Errorf("deltas total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RelaySkips); got != 1 {
		t.Errorf("relay skips = %v, want 1", got)
	}
	pb := &dto.Metric{}
	if err := m.CacheWriteDur.Write(pb); err != nil {
		t.Fatalf("read histogram: %v", err)
	}
	if got := pb.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("cache write samples = %d, want 1", got)
	}
}

func TestRelayDeleteSendsTombstone(t *testing.T) {
	ctx := context.Background()
	w, coord, sink := newTestWriter(t)
	ch := chatChannel(t)
	heatAnchor(t, coord, "chat", "42")

	if err := w.Relay(ctx, ch, chatMsg(1, "42", 100, "create", "hi")); err != nil {
		t.Fatal(err)
	}
	sink.sent = nil

	tomb := chatMsg(1, "42", 200, "delete", "hi")
	tomb["_deleted"] = true
	if err := w.Relay(ctx, ch, tomb); err != nil {
		t.Fatalf("relay delete: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("dispatched %d payloads, want 1", len(sink.sent))
	}
	if !sink.sent[0].Deleted() {
		t.Error("tombstone lost the deleted flag")
	}
	if sink.sent[0].Operation() != "delete" {
		t.Errorf("operation = %s, want delete", sink.sent[0].Operation())
	}
}
