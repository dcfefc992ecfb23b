package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestInit(t *testing.T) {
	lg := Init("test-service", slog.LevelInfo)
	if lg == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestConnIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := ConnID(ctx); id != "" {
		t.Errorf("expected empty conn id, got %q", id)
	}

	ctx = WithConnID(ctx, "ab12cd34")
	if id := ConnID(ctx); id != "ab12cd34" {
		t.Errorf("conn id = %q, want ab12cd34", id)
	}
}

func TestNewConnID(t *testing.T) {
	a, b := NewConnID(), NewConnID()
	if len(a) != 8 {
		t.Errorf("conn id length = %d, want 8", len(a))
	}
	if a == b {
		t.Errorf("consecutive ids collide: %s", a)
	}
}
