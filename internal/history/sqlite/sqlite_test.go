package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/gatekeeper/internal/history"
)

func TestSendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: time.Now().UTC(), PID: 100, Port: 8080},
		{Type: history.EventStop, OccurredAt: time.Now().UTC(), PID: 100, Port: 8080},
		{Type: history.EventRestore, OccurredAt: time.Now().UTC(), Detail: "ok: /tmp/src"},
	}
	for _, e := range events {
		if err := s.Send(ctx, e); err != nil {
			t.Fatalf("Send %v: %v", e.Type, err)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	// Newest first.
	if got[0].Type != history.EventRestore || got[2].Type != history.EventStart {
		t.Fatalf("unexpected order: %v, %v, %v", got[0].Type, got[1].Type, got[2].Type)
	}
	if got[0].Detail != "ok: /tmp/src" {
		t.Fatalf("detail lost: %q", got[0].Detail)
	}
}

func TestRecentLimit(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := s.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now(), PID: i}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	got, err := s.Recent(ctx, 4)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("limit ignored: got %d", len(got))
	}
	if got[0].PID != 9 {
		t.Fatalf("expected newest first, got pid %d", got[0].PID)
	}
}

func TestNewEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
