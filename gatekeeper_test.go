package gatekeeper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestFacadeSupervisorState(t *testing.T) {
	sup := New(Options{
		StateDir:   t.TempDir(),
		GatewayBin: "gateway",
		Token:      "tok",
	})
	st := sup.State()
	if st.Phase != PhaseStopped {
		t.Fatalf("initial phase = %q", st.Phase)
	}
	if sup.Token() != "tok" {
		t.Fatalf("token = %q", sup.Token())
	}

	var seen []Phase
	sup.Subscribe(func(s GatewayState) { seen = append(seen, s.Phase) })
	if len(seen) != 1 || seen[0] != PhaseStopped {
		t.Fatalf("subscribe replay = %v", seen)
	}
}

func TestFacadeRestoreManager(t *testing.T) {
	stateDir := t.TempDir()
	sup := New(Options{StateDir: stateDir, GatewayBin: "gateway"})
	rst := NewRestoreManager(sup, "app://shell")
	if rst.StateDir() != stateDir {
		t.Fatalf("state dir = %q", rst.StateDir())
	}
	if err := rst.ValidateBackupDir(t.TempDir()); err == nil {
		t.Fatal("empty dir should not validate")
	}
}

func TestFacadeRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
}

func TestFacadeLoadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "gatekeeper.toml")
	body := "[gateway]\nstate_dir = \"/var/lib/gateway\"\nbinary = \"/usr/bin/gateway\"\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Binary != "/usr/bin/gateway" {
		t.Fatalf("binary = %q", cfg.Gateway.Binary)
	}
}

func TestFacadeHistorySink(t *testing.T) {
	s, err := NewHistorySink(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewHistorySink: %v", err)
	}
	_ = s.Close()
}

func TestFacadeBackupScheduler(t *testing.T) {
	stateDir := t.TempDir()
	sup := New(Options{StateDir: stateDir, GatewayBin: "gateway"})
	rst := NewRestoreManager(sup, "")
	if _, err := NewBackupScheduler(rst, t.TempDir(), time.Minute, 3); err != nil {
		t.Fatalf("NewBackupScheduler: %v", err)
	}
	if _, err := NewBackupScheduler(rst, "", time.Minute, 3); err == nil {
		t.Fatal("empty dir should fail")
	}
}
