// Package netutil picks and probes loopback TCP ports for the gateway.
package netutil

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// ProbeInterval is the sleep between connection attempts while waiting
	// for a port to accept connections.
	ProbeInterval = 250 * time.Millisecond
	// DialTimeout bounds a single probe attempt.
	DialTimeout = 500 * time.Millisecond
)

// PickPort returns a free loopback TCP port, preferring preferred when it is
// currently bindable. When the preferred port is taken (or zero), the OS
// assigns an ephemeral one. A bind attempt never blocks; the listener is
// closed immediately, so a race with another binder remains possible and is
// handled downstream as a failed start.
func PickPort(preferred int) (int, error) {
	if preferred > 0 {
		if ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(preferred))); err == nil {
			_ = ln.Close()
			return preferred, nil
		}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate ephemeral port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}

// WaitForPortOpen polls host:port with short-interval connection attempts
// until the port accepts a TCP connection or the deadline elapses. Timeout
// returns false rather than an error; the caller decides what a silent
// gateway means.
func WaitForPortOpen(host string, port int, timeout time.Duration) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, DialTimeout)
		if err == nil {
			_ = conn.Close()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(ProbeInterval)
	}
}
