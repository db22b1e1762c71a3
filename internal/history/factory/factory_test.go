package factory

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestNewSinkFromDSNSQLitePath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "history.db")
	s, err := NewSinkFromDSN(p)
	if err != nil {
		t.Fatalf("bare path DSN: %v", err)
	}
	defer func() { _ = s.Close() }()
}

func TestNewSinkFromDSNSQLiteScheme(t *testing.T) {
	p := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	s, err := NewSinkFromDSN(p)
	if err != nil {
		t.Fatalf("sqlite:// DSN: %v", err)
	}
	defer func() { _ = s.Close() }()
}

func TestNewSinkFromDSNEmpty(t *testing.T) {
	if _, err := NewSinkFromDSN(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestNewSinkFromDSNUnsupported(t *testing.T) {
	_, err := NewSinkFromDSN("redis://localhost:6379/0")
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("error should mention unsupported DSN, got: %v", err)
	}
}
