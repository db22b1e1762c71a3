package backup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gatekeeper/internal/gwconfig"
	"github.com/loykin/gatekeeper/internal/metrics"
	"github.com/loykin/gatekeeper/internal/restore"
)

type fakeSource struct {
	data []byte
	err  error
}

func (f *fakeSource) CreateBackup() ([]byte, error) { return f.data, f.err }

func TestNewValidation(t *testing.T) {
	src := &fakeSource{data: []byte("zip")}
	if _, err := New(nil, t.TempDir(), time.Minute, 3, nil); err == nil {
		t.Fatal("expected error for nil source")
	}
	if _, err := New(src, "", time.Minute, 3, nil); err == nil {
		t.Fatal("expected error for empty dir")
	}
	if _, err := New(src, t.TempDir(), 0, 3, nil); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestRunOnceWritesSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	s, err := New(&fakeSource{data: []byte("zip-bytes")}, dir, time.Minute, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := s.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), snapshotPrefix) || !strings.HasSuffix(path, ".zip") {
		t.Fatalf("unexpected snapshot name %q", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(b) != "zip-bytes" {
		t.Fatalf("snapshot content = %q", b)
	}
}

type nopGateway struct{}

func (nopGateway) Start() error    { return nil }
func (nopGateway) Stop()           {}
func (nopGateway) SetToken(string) {}

func backupBytesTotal(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "gatekeeper_backup_bytes_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestRunOnceCountsBackupBytesOnce(t *testing.T) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	stateDir := t.TempDir()
	cfgPath := filepath.Join(stateDir, gwconfig.FileName)
	if err := os.WriteFile(cfgPath, []byte(`{"gateway":{"mode":"local"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	mgr := restore.New(nopGateway{}, stateDir, "", nil)

	s, err := New(mgr, filepath.Join(t.TempDir(), "backups"), time.Minute, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := backupBytesTotal(t)
	path, err := s.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat snapshot: %v", err)
	}
	if got := backupBytesTotal(t) - before; got != float64(info.Size()) {
		t.Fatalf("backup bytes grew by %.0f for a %d byte snapshot", got, info.Size())
	}
}

func TestRunOncePropagatesSourceError(t *testing.T) {
	s, err := New(&fakeSource{err: errors.New("state dir missing")}, t.TempDir(), time.Minute, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.RunOnce(); err == nil {
		t.Fatal("expected source error")
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	var names []string
	for i := 0; i < 5; i++ {
		name := snapshotPrefix + time.Unix(int64(i), 0).UTC().Format("20060102-150405") + ".zip"
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(p, ts, ts); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
		names = append(names, name)
	}
	// an unrelated file must survive pruning
	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(other, []byte("keep"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := New(&fakeSource{data: []byte("zip")}, dir, time.Minute, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.prune(); err != nil {
		t.Fatalf("prune: %v", err)
	}

	for i, name := range names {
		_, statErr := os.Stat(filepath.Join(dir, name))
		if i < 3 && !os.IsNotExist(statErr) {
			t.Fatalf("old snapshot %s should be pruned", name)
		}
		if i >= 3 && statErr != nil {
			t.Fatalf("new snapshot %s should survive: %v", name, statErr)
		}
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("unrelated file should survive: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	s, err := New(&fakeSource{data: []byte("zip")}, dir, 20*time.Millisecond, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("second Start should fail")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(dir)
		if len(entries) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()
	s.Stop()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one auto snapshot")
	}
}
