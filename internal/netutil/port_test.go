package netutil

import (
	"net"
	"strconv"
	"testing"
	"time"
)

func TestPickPortPrefersFreePort(t *testing.T) {
	// Grab an ephemeral port, release it, then ask for it back.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	want := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	got, err := PickPort(want)
	if err != nil {
		t.Fatalf("PickPort: %v", err)
	}
	if got != want {
		t.Fatalf("expected preferred port %d, got %d", want, got)
	}
}

func TestPickPortFallsBackWhenPreferredBound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	bound := ln.Addr().(*net.TCPAddr).Port

	got, err := PickPort(bound)
	if err != nil {
		t.Fatalf("PickPort: %v", err)
	}
	if got == bound {
		t.Fatalf("PickPort returned the already-bound port %d", bound)
	}
	// The fallback port must itself be bindable right now.
	check, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(got)))
	if err != nil {
		t.Fatalf("fallback port %d not free: %v", got, err)
	}
	_ = check.Close()
}

func TestWaitForPortOpenSucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	if !WaitForPortOpen("127.0.0.1", port, 2*time.Second) {
		t.Fatalf("expected open port %d to be detected", port)
	}
}

func TestWaitForPortOpenTimesOutFalse(t *testing.T) {
	// Find a port that is free, so nothing accepts there.
	port, err := PickPort(0)
	if err != nil {
		t.Fatalf("PickPort: %v", err)
	}
	start := time.Now()
	if WaitForPortOpen("127.0.0.1", port, 300*time.Millisecond) {
		t.Fatalf("expected timeout on closed port %d", port)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("wait did not respect deadline")
	}
}
