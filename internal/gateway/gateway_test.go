package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"statesync/internal/auth"
	"statesync/internal/delta"
	"statesync/internal/document"
	"statesync/internal/loader"
	"statesync/internal/schema"
	"statesync/internal/source"
	"statesync/internal/store/redis"
	"statesync/internal/store/sqlite"
)

type testEnv struct {
	hub    *Hub
	writer *delta.Writer
	src    *source.MemStore
	ch     *schema.Channel
	auth   *auth.Manager
	srv    *httptest.Server
}

type room struct {
	ID   int
	Name string
}

type message struct {
	ID   int
	Room int
	Text string
}

func newEnv(t *testing.T) *testEnv {
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

	src := source.NewMemStore()
	messageNode := &schema.Node{
		InstanceType: "chat.Message",
		Serialize: func(obj any) document.Document {
			m := obj.(*message)
			return document.Document{"id": m.ID, "room": m.Room, "text": m.Text}
		},
		AnchorIDs: func(_ context.Context, doc document.Document) ([]string, error) {
			return []string{document.KeyString(doc["room"])}, nil
		},
	}
	roomNode := &schema.Node{
		InstanceType: "chat.Room",
		Serialize: func(obj any) document.Document {
			r := obj.(*room)
			return document.Document{"id": r.ID, "name": r.Name}
		},
		Edges: []schema.Edge{{
			Name: "messages",
			Node: messageNode,
			Fetch: func(_ context.Context, parent any) ([]any, error) {
				r := parent.(*room)
				return src.List("chat.Message", func(obj any) bool {
					return obj.(*message).Room == r.ID
				}), nil
			},
		}},
	}

	schema.Reset()
	ch := schema.MustRegister(&schema.Channel{
		Name: "chat",
		Root: roomNode,
		GetAnchor: func(ctx context.Context, anchorID string) (any, error) {
			return src.Get(ctx, "chat.Room", anchorID)
		},
		HasPermission: func(_ context.Context, userID, _ string) bool {
			return userID != "banned"
		},
		Actions: map[string]schema.Action{
			"echo": func(_ context.Context, _ schema.Session, params []any) (any, error) {
				return params, nil
			},
		},
	})

	authMgr := auth.NewManager("test-secret")
	hub := NewHub(authMgr, coord, loader.New(coord, cache), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", hub.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src.Put("chat.Room", 42, &room{ID: 42, Name: "general"})
	src.Put("chat.Message", 1, &message{ID: 1, Room: 42, Text: "hello"})

	return &testEnv{
		hub:    hub,
		writer: delta.NewWriter(coord, cache, hub.Router()),
		src:    src,
		ch:     ch,
		auth:   authMgr,
		srv:    srv,
	}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.auth.Issue(auth.User{ID: userID, Name: userID}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func readFrame(t *testing.T, conn *websocket.Conn) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return raw
}

func readObject(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var obj map[string]any
	if err := json.Unmarshal(readFrame(t, conn), &obj); err != nil {
		t.Fatalf("decode object frame: %v", err)
	}
	return obj
}

// readSnapshot consumes batch frames until the end-of-initial-state
// sentinel, returning the streamed documents.
func readSnapshot(t *testing.T, conn *websocket.Conn) []document.Document {
	t.Helper()
	var docs []document.Document
	for {
		var batch []document.Document
		if err := json.Unmarshal(readFrame(t, conn), &batch); err != nil {
			t.Fatalf("decode batch frame: %v", err)
		}
		if len(batch) == 1 && batch[0].Operation() == document.OpEndInitialState {
			return docs
		}
		docs = append(docs, batch...)
	}
}

func TestColdFirstConnect(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "/ws/chat/42")

	if err := conn.WriteJSON(map[string]any{"token": e.token(t, "7")}); err != nil {
		t.Fatal(err)
	}

	status := readObject(t, conn)
	if status["status_code"] != float64(200) {
		t.Fatalf("status = %v, want 200", status["status_code"])
	}

	anchors := readObject(t, conn)
	got, _ := anchors["initialAnchors"].([]any)
	if len(got) != 1 || got[0] != "42" {
		t.Fatalf("initialAnchors = %v, want [42]", anchors["initialAnchors"])
	}

	docs := readSnapshot(t, conn)
	if len(docs) != 2 {
		t.Fatalf("snapshot carried %d documents, want 2", len(docs))
	}
	if docs[0].InstanceType() != "chat.Room" {
		t.Errorf("root type must stream first, got %s", docs[0].InstanceType())
	}
	if docs[1]["text"] != "hello" {
		t.Errorf("message text = %v, want hello", docs[1]["text"])
	}
}

func TestInvalidTokenGets401(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "/ws/chat/42")

	if err := conn.WriteJSON(map[string]any{"token": "garbage"}); err != nil {
		t.Fatal(err)
	}

	status := readObject(t, conn)
	if status["status_code"] != float64(401) {
		t.Fatalf("status = %v, want 401", status["status_code"])
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection must close after 401")
	}
}

func TestForbiddenUserGets403(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "/ws/chat/42")

	if err := conn.WriteJSON(map[string]any{"token": e.token(t, "banned")}); err != nil {
		t.Fatal(err)
	}

	status := readObject(t, conn)
	if status["status_code"] != float64(403) {
		t.Fatalf("status = %v, want 403", status["status_code"])
	}
}

func TestMissingAnchorGets404(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "/ws/chat/404")

	if err := conn.WriteJSON(map[string]any{"token": e.token(t, "7")}); err != nil {
		t.Fatal(err)
	}

	status := readObject(t, conn)
	if status["status_code"] != float64(200) {
		t.Fatalf("handshake status = %v, want 200", status["status_code"])
	}
	readObject(t, conn) // initialAnchors

	status = readObject(t, conn)
	if status["status_code"] != float64(404) {
		t.Fatalf("status = %v, want 404", status["status_code"])
	}
}

func TestLiveDeltaAfterSnapshot(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "/ws/chat/42")

	if err := conn.WriteJSON(map[string]any{"token": e.token(t, "7")}); err != nil {
		t.Fatal(err)
	}
	readObject(t, conn) // status
	readObject(t, conn) // initialAnchors
	readSnapshot(t, conn)

	ctx := context.Background()
	e.src.Put("chat.Message", 2, &message{ID: 2, Room: 42, Text: "breaking"})
	doc := document.Document{
		"id": 2, "_instance_type": "chat.Message", "_tstamp": 500.0,
		"_operation": "create", "_user_key": nil, "room": 42, "text": "breaking",
	}
	if err := e.writer.Relay(ctx, e.ch, doc); err != nil {
		t.Fatalf("relay: %v", err)
	}

	var batch []document.Document
	if err := json.Unmarshal(readFrame(t, conn), &batch); err != nil {
		t.Fatalf("decode delta frame: %v", err)
	}
	if len(batch) != 1 || batch[0].ID() != "2" {
		t.Fatalf("delta batch = %v, want the new message", batch)
	}
	if batch[0].Operation() != document.OpCreate {
		t.Errorf("operation = %s, want create", batch[0].Operation())
	}
}

func TestActionCallRoundTrip(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "/ws/chat/42")

	if err := conn.WriteJSON(map[string]any{"token": e.token(t, "7")}); err != nil {
		t.Fatal(err)
	}
	readObject(t, conn)
	readObject(t, conn)
	readSnapshot(t, conn)

	call := map[string]any{"callId": 1, "action": "echo", "params": []any{"a", "b"}}
	if err := conn.WriteJSON(call); err != nil {
		t.Fatal(err)
	}

	reply := readObject(t, conn)
	if reply["callId"] != float64(1) {
		t.Fatalf("callId = %v, want 1", reply["callId"])
	}
	result, _ := reply["result"].([]any)
	if len(result) != 2 || result[0] != "a" {
		t.Errorf("result = %v, want the echoed params", reply["result"])
	}

	call = map[string]any{"callId": 2, "action": "missing", "params": []any{}}
	if err := conn.WriteJSON(call); err != nil {
		t.Fatal(err)
	}
	reply = readObject(t, conn)
	if reply["callId"] != float64(2) || reply["error"] == nil {
		t.Errorf("reply = %v, want an error for an unknown action", reply)
	}
}
