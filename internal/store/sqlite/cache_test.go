package sqlite

import (
	"context"
	"strings"
	"testing"

	"statesync/internal/document"
)

func newTestCache(t *testing.T, maxDocBytes int) *Cache {
	t.Helper()
	c, err := New(Config{Path: ":memory:", MaxDocBytes: maxDocBytes})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func msg(id int, tstamp float64, fields map[string]any) document.Document {
	doc := document.Document{
		"id":             id,
		"_instance_type": "chat.Message",
		"_tstamp":        tstamp,
		"_operation":     "initial_state",
		"_user_key":      nil,
	}
	for k, v := range fields {
		doc[k] = v
	}
	return doc
}

func TestReplaceReturningPrior(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	prior, _, err := c.ReplaceReturningPrior(ctx, "chat", "42", msg(1, 100, map[string]any{"text": "hi"}))
	if err != nil {
		t.Fatalf("first replace: %v", err)
	}
	if prior != nil {
		t.Fatalf("expected nil prior for new document, got %v", prior)
	}

	prior, _, err = c.ReplaceReturningPrior(ctx, "chat", "42", msg(1, 200, map[string]any{"text": "edited"}))
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if prior == nil {
		t.Fatal("expected prior image")
	}
	if got := prior["text"]; got != "hi" {
		t.Errorf("prior text = %v, want hi", got)
	}
	if prior.Tstamp() != 100 {
		t.Errorf("prior tstamp = %v, want 100", prior.Tstamp())
	}
}

func TestFindFiltersDeletedAndForeignUsers(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	public := msg(1, 100, map[string]any{"text": "public"})
	if err := c.Upsert(ctx, "chat", "42", public); err != nil {
		t.Fatal(err)
	}

	mine := msg(2, 100, map[string]any{"text": "mine"})
	mine["_user_key"] = "7"
	if err := c.Upsert(ctx, "chat", "42", mine); err != nil {
		t.Fatal(err)
	}

	theirs := msg(3, 100, map[string]any{"text": "theirs"})
	theirs["_user_key"] = "8"
	if err := c.Upsert(ctx, "chat", "42", theirs); err != nil {
		t.Fatal(err)
	}

	gone := msg(4, 100, map[string]any{"text": "gone"})
	gone["_deleted"] = true
	gone["_operation"] = "delete"
	if err := c.Upsert(ctx, "chat", "42", gone); err != nil {
		t.Fatal(err)
	}

	docs, err := c.Find(ctx, "chat", "42", "chat.Message", "7")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	ids := []string{docs[0].ID(), docs[1].ID()}
	if ids[0] != "1" || ids[1] != "2" {
		t.Errorf("ids = %v, want [1 2]", ids)
	}
}

func TestFindSinceIncludesDeletes(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	if err := c.Upsert(ctx, "chat", "42", msg(1, 100, nil)); err != nil {
		t.Fatal(err)
	}
	edited := msg(2, 300, map[string]any{"text": "late"})
	edited["_operation"] = "update"
	if err := c.Upsert(ctx, "chat", "42", edited); err != nil {
		t.Fatal(err)
	}
	gone := msg(3, 200, nil)
	gone["_deleted"] = true
	gone["_operation"] = "delete"
	if err := c.Upsert(ctx, "chat", "42", gone); err != nil {
		t.Fatal(err)
	}

	docs, err := c.FindSince(ctx, "chat", "42", 150, "")
	if err != nil {
		t.Fatalf("find since: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	// Ascending by assignment time: the delete precedes the update.
	if docs[0].ID() != "3" || docs[1].ID() != "2" {
		t.Errorf("order = [%s %s], want [3 2]", docs[0].ID(), docs[1].ID())
	}
	if !docs[0].Deleted() {
		t.Error("delete missing from catch-up")
	}
}

func TestOversizeDocumentSpillsToBlob(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 256)

	big := msg(1, 100, map[string]any{"text": strings.Repeat("x", 1024)})
	prior, stored, err := c.ReplaceReturningPrior(ctx, "chat", "42", big)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if prior != nil {
		t.Fatal("expected nil prior")
	}
	ref := stored.GridRef()
	if ref == "" {
		t.Fatal("expected a blob reference stub")
	}
	if _, ok := stored["text"]; ok {
		t.Error("stub must not carry the spilled field")
	}

	// The prior image of the next write inlines the blob body.
	prior, _, err = c.ReplaceReturningPrior(ctx, "chat", "42", msg(1, 200, map[string]any{"text": "small"}))
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if got, _ := prior["text"].(string); len(got) != 1024 {
		t.Errorf("prior text length = %d, want 1024", len(got))
	}

	full, err := c.Blob(ctx, ref)
	if err != nil {
		t.Fatalf("blob: %v", err)
	}
	if got, _ := full["text"].(string); len(got) != 1024 {
		t.Errorf("blob text length = %d, want 1024", len(got))
	}
}

func TestFindInlinesBlobs(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 256)

	big := msg(1, 100, map[string]any{"text": strings.Repeat("z", 1024)})
	if err := c.Upsert(ctx, "chat", "42", big); err != nil {
		t.Fatal(err)
	}

	docs, err := c.Find(ctx, "chat", "42", "chat.Message", "")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	if got, _ := docs[0]["text"].(string); len(got) != 1024 {
		t.Errorf("inlined text length = %d, want 1024", len(got))
	}
	if docs[0].GridRef() != "" {
		t.Error("snapshot read must not leak the blob reference")
	}

	docs, err = c.FindSince(ctx, "chat", "42", 50, "")
	if err != nil {
		t.Fatalf("find since: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("catch-up got %d documents, want 1", len(docs))
	}
	if got, _ := docs[0]["text"].(string); len(got) != 1024 {
		t.Errorf("catch-up text length = %d, want 1024", len(got))
	}
}

func TestFindSinceIncludesBoundaryTstamp(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	if err := c.Upsert(ctx, "chat", "42", msg(1, 100, nil)); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(ctx, "chat", "42", msg(2, 150, nil)); err != nil {
		t.Fatal(err)
	}

	// A client whose last_update equals a document's tstamp must get the
	// document again; missing it loses the mutation for good.
	docs, err := c.FindSince(ctx, "chat", "42", 150, "")
	if err != nil {
		t.Fatalf("find since: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	if docs[0].ID() != "2" {
		t.Errorf("id = %s, want 2", docs[0].ID())
	}
}

func TestFindAllInlinesBlobs(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 256)

	big := msg(1, 100, map[string]any{"text": strings.Repeat("y", 1024)})
	if err := c.Upsert(ctx, "chat", "42", big); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(ctx, "chat", "42", msg(2, 100, map[string]any{"text": "small"})); err != nil {
		t.Fatal(err)
	}

	docs, err := c.FindAll(ctx, "chat", "42")
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	if got, _ := docs[0]["text"].(string); len(got) != 1024 {
		t.Errorf("inlined text length = %d, want 1024", len(got))
	}
}

func TestDeleteAllScopesToAnchor(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	if err := c.Upsert(ctx, "chat", "42", msg(1, 100, nil)); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(ctx, "chat", "43", msg(1, 100, nil)); err != nil {
		t.Fatal(err)
	}

	if err := c.DeleteAll(ctx, "chat", "42"); err != nil {
		t.Fatalf("delete all: %v", err)
	}

	docs, err := c.FindAll(ctx, "chat", "42")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Errorf("anchor 42 still holds %d documents", len(docs))
	}

	docs, err = c.FindAll(ctx, "chat", "43")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Errorf("anchor 43 holds %d documents, want 1", len(docs))
	}
}
