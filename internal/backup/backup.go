// Package backup runs periodic snapshots of the gateway state directory.
package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loykin/gatekeeper/internal/logger"
)

const snapshotPrefix = "gateway-backup-"

// Source produces one backup archive per call.
type Source interface {
	CreateBackup() ([]byte, error)
}

// Scheduler writes timestamped snapshots into a directory on a fixed
// interval and prunes old ones down to a retention count.
// Overlap is skipped: if a snapshot is still being written when the next
// tick fires, that tick is dropped.
type Scheduler struct {
	src       Source
	dir       string
	interval  time.Duration
	retention int
	log       *slog.Logger

	running atomic.Bool
	quit    chan struct{}
}

// New builds a Scheduler. retention <= 0 disables pruning.
func New(src Source, dir string, interval time.Duration, retention int, log *slog.Logger) (*Scheduler, error) {
	if src == nil {
		return nil, errors.New("backup source required")
	}
	if dir == "" {
		return nil, errors.New("backup directory required")
	}
	if interval <= 0 {
		return nil, errors.New("backup interval must be > 0")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{src: src, dir: dir, interval: interval, retention: retention, log: log}, nil
}

// Start launches the snapshot loop. Call Stop to cancel.
func (s *Scheduler) Start() error {
	if s.quit != nil {
		return errors.New("scheduler already started")
	}
	s.quit = make(chan struct{})
	go s.loop()
	return nil
}

// Stop cancels the snapshot loop.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

func (s *Scheduler) loop() {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
			if !s.running.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer s.running.Store(false)
				path, err := s.RunOnce()
				if err != nil {
					logger.Advisory(s.log, "auto backup", err, "dir", s.dir)
					return
				}
				s.log.Debug("auto backup written", "path", path)
			}()
		}
	}
}

// RunOnce writes a single snapshot and prunes old ones. It returns the path
// of the snapshot written.
func (s *Scheduler) RunOnce() (string, error) {
	data, err := s.src.CreateBackup()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s%s.zip", snapshotPrefix, time.Now().UTC().Format("20060102-150405.000000000"))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	if err := s.prune(); err != nil {
		logger.Advisory(s.log, "prune backups", err, "dir", s.dir)
	}
	return path, nil
}

// prune deletes the oldest snapshots beyond the retention count.
func (s *Scheduler) prune() error {
	if s.retention <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	type snap struct {
		name string
		mod  time.Time
	}
	snaps := make([]snap, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), snapshotPrefix) || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{name: e.Name(), mod: info.ModTime()})
	}
	if len(snaps) <= s.retention {
		return nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].mod.After(snaps[j].mod) })
	var firstErr error
	for _, old := range snaps[s.retention:] {
		if err := os.Remove(filepath.Join(s.dir, old.name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
