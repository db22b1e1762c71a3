package clickhouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/gatekeeper/internal/history"
)

// startClickHouse starts a ClickHouse container for testing. It skips the
// test when Docker is not available.
func startClickHouse(t *testing.T) (addr string, terminate func()) {
	t.Helper()
	ctx := context.Background()

	container, err := tcch.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		tcch.WithUsername("default"),
		tcch.WithPassword(""),
		tcch.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Skipf("Failed to get container host: %v", err)
		return "", nil
	}
	port, err := container.MappedPort(ctx, "9000/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	addr = fmt.Sprintf("%s:%s", host, port.Port())
	terminate = func() { _ = container.Terminate(ctx) }
	return addr, terminate
}

func TestSinkSendIntegration(t *testing.T) {
	addr, terminate := startClickHouse(t)
	if terminate != nil {
		defer terminate()
	}

	s, err := New(addr, "default", "default", "", "gateway_history")
	if err != nil {
		t.Skipf("connect ClickHouse: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	e := history.Event{Type: history.EventRestore, OccurredAt: time.Now().UTC(), Detail: "ok"}
	if err := s.Send(ctx, e); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var count uint64
	if err := s.conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM gateway_history WHERE type = 'restore'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}
