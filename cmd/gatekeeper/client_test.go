package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/gatekeeper/internal/history"
	"github.com/loykin/gatekeeper/internal/supervisor"
)

func newFakeDaemon(t *testing.T, token string) (*httptest.Server, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing bearer token"})
			return
		}
		mux.ServeHTTP(w, r)
	})
	ts := httptest.NewServer(wrapped)
	t.Cleanup(ts.Close)
	return ts, mux
}

func TestClientStartAndStatus(t *testing.T) {
	ts, mux := newFakeDaemon(t, "tok")
	mux.HandleFunc("POST /start", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(supervisor.GatewayState{Phase: supervisor.PhaseReady, PID: 42, Port: 18789})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(supervisor.GatewayState{Phase: supervisor.PhaseStopped})
	})

	c := NewAPIClient(ts.URL, "tok", time.Second)
	st, err := c.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.Phase != supervisor.PhaseReady || st.PID != 42 {
		t.Fatalf("state = %+v", st)
	}
	st, err = c.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Phase != supervisor.PhaseStopped {
		t.Fatalf("phase = %q", st.Phase)
	}
}

func TestClientRejectedWithoutToken(t *testing.T) {
	ts, mux := newFakeDaemon(t, "tok")
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(supervisor.GatewayState{})
	})
	c := NewAPIClient(ts.URL, "", time.Second)
	if _, err := c.Status(); err == nil {
		t.Fatal("expected API error without token")
	}
}

func TestClientBackupDownload(t *testing.T) {
	ts, mux := newFakeDaemon(t, "")
	mux.HandleFunc("POST /backup", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("zip-bytes"))
	})
	c := NewAPIClient(ts.URL, "", time.Second)
	data, err := c.Backup()
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !bytes.Equal(data, []byte("zip-bytes")) {
		t.Fatalf("data = %q", data)
	}
}

func TestClientRestoreEncodesPayload(t *testing.T) {
	ts, mux := newFakeDaemon(t, "")
	var got struct {
		Data     string `json:"data"`
		Filename string `json:"filename"`
	}
	mux.HandleFunc("POST /restore", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(supervisor.GatewayState{Phase: supervisor.PhaseReady})
	})
	c := NewAPIClient(ts.URL, "", time.Second)
	st, err := c.Restore([]byte("archive"), "b.tar.gz")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if st.Phase != supervisor.PhaseReady {
		t.Fatalf("phase = %q", st.Phase)
	}
	raw, err := base64.StdEncoding.DecodeString(got.Data)
	if err != nil || string(raw) != "archive" || got.Filename != "b.tar.gz" {
		t.Fatalf("payload = %+v (decode err %v)", got, err)
	}
}

func TestClientValidateAndDetect(t *testing.T) {
	ts, mux := newFakeDaemon(t, "")
	mux.HandleFunc("POST /backup/validate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": false, "error": "gateway.json not found"})
	})
	mux.HandleFunc("GET /backup/detect", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"found": true, "path": "/home/me/.gateway"})
	})
	c := NewAPIClient(ts.URL, "", time.Second)

	valid, reason, err := c.Validate("/tmp/x")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if valid || reason != "gateway.json not found" {
		t.Fatalf("valid=%v reason=%q", valid, reason)
	}

	dir, found, err := c.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !found || dir != "/home/me/.gateway" {
		t.Fatalf("dir=%q found=%v", dir, found)
	}
}

func TestClientHistoryLimit(t *testing.T) {
	ts, mux := newFakeDaemon(t, "")
	var gotLimit string
	mux.HandleFunc("GET /history", func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		_ = json.NewEncoder(w).Encode([]history.Event{{Type: history.EventStart}})
	})
	c := NewAPIClient(ts.URL, "", time.Second)
	events, err := c.History(7)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 1 || gotLimit != "7" {
		t.Fatalf("events=%v limit=%q", events, gotLimit)
	}
}

func TestClientSurfacesAPIError(t *testing.T) {
	ts, mux := newFakeDaemon(t, "")
	mux.HandleFunc("POST /start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "binary missing"})
	})
	c := NewAPIClient(ts.URL, "", time.Second)
	_, err := c.Start()
	if err == nil || err.Error() != "API error: binary missing" {
		t.Fatalf("err = %v", err)
	}
}

func TestClientDefaults(t *testing.T) {
	c := NewAPIClient("", "", 0)
	if c.baseURL != "http://localhost:9921" {
		t.Fatalf("baseURL = %q", c.baseURL)
	}
	if c.client.Timeout != 10*time.Second {
		t.Fatalf("timeout = %v", c.client.Timeout)
	}
}
