// Package restore performs atomic backup and restore of the gateway's state
// directory. A restore is all-or-nothing: the live directory is renamed
// aside (never deleted) and put back on any failure, so a subsequent start
// never sees a half-written tree.
package restore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/gatekeeper/internal/archive"
	"github.com/loykin/gatekeeper/internal/gwconfig"
	"github.com/loykin/gatekeeper/internal/logger"
	"github.com/loykin/gatekeeper/internal/metrics"
)

// RollbackSuffix is appended to the state directory for the renamed-aside
// original during a restore.
const RollbackSuffix = ".pre-restore"

// DefaultInstallDirName is the conventional state directory name probed by
// DetectLocal under the user's home.
const DefaultInstallDirName = ".gateway"

// GatewayController is the slice of the supervisor a restore drives.
type GatewayController interface {
	Start() error
	Stop()
	SetToken(string)
}

// Manager owns the restore/backup surface over one state directory.
type Manager struct {
	sup         GatewayController
	stateDir    string
	shellOrigin string
	log         *slog.Logger

	// onEvent, when set, records restore/backup outcomes for history.
	onEvent func(kind, detail string)
}

// New builds a Manager. shellOrigin is the embedding shell's UI origin,
// ensured on the gateway's allow-list when a backup is adopted.
func New(sup GatewayController, stateDir, shellOrigin string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{sup: sup, stateDir: stateDir, shellOrigin: shellOrigin, log: log}
}

// OnEvent registers the outcome notification callback.
func (m *Manager) OnEvent(fn func(kind, detail string)) { m.onEvent = fn }

// StateDir returns the managed state directory.
func (m *Manager) StateDir() string { return m.stateDir }

// ValidateBackupDir confirms dir holds a gateway configuration file. Used
// before accepting a folder chosen through the host shell.
func (m *Manager) ValidateBackupDir(dir string) error {
	_, err := gwconfig.Load(gwconfig.PathIn(dir))
	return err
}

// DetectLocal probes the conventional install location for an existing
// state directory that could be restored from.
func (m *Manager) DetectLocal() (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	dir := filepath.Join(home, DefaultInstallDirName)
	if m.ValidateBackupDir(dir) != nil {
		return "", false
	}
	return dir, true
}

// CreateBackup packs the live state directory into a zip buffer for the
// caller to persist elsewhere. Read-only: no stop/start cycle.
func (m *Manager) CreateBackup() ([]byte, error) {
	if err := m.ValidateBackupDir(m.stateDir); err != nil {
		return nil, fmt.Errorf("no installation to back up: %w", err)
	}
	buf, err := archive.PackDirectory(m.stateDir)
	if err != nil {
		return nil, err
	}
	metrics.AddBackupBytes(len(buf))
	m.notify("backup", fmt.Sprintf("%d bytes", len(buf)))
	return buf, nil
}

// RestoreFromArchive extracts an uploaded archive to a scratch directory,
// locates the backup root inside it, and runs the restore transaction.
// Magic-byte detection is authoritative; the filename hint only breaks ties
// for unrecognized buffers.
func (m *Manager) RestoreFromArchive(data []byte, filenameHint string) error {
	format := archive.DetectFormat(data)
	if format == archive.FormatUnrecognized {
		format = formatFromName(filenameHint)
	}
	if format == archive.FormatUnrecognized {
		return archive.ErrUnsupportedArchive
	}

	scratch, err := os.MkdirTemp("", "gatekeeper-restore-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Advisory(m.log, "remove restore scratch dir", err, "path", scratch)
		}
	}()

	switch format {
	case archive.FormatZip:
		err = archive.ExtractZip(data, scratch)
	case archive.FormatGzipTar:
		err = archive.ExtractGzipTar(data, scratch)
	}
	if err != nil {
		return err
	}

	root, err := archive.ResolveBackupRoot(scratch, gwconfig.FileName)
	if err != nil {
		return err
	}
	return m.PerformRestore(root)
}

// PerformRestore swaps the live state directory for the contents of
// sourceDir. The original is renamed to the rollback location (one atomic
// rename, not a copy); on any failure past that point the half-written tree
// is removed, the rollback is renamed back, and the gateway restarted with
// its original state.
func (m *Manager) PerformRestore(sourceDir string) error {
	// A source without a configuration file never touches the live tree.
	if err := m.ValidateBackupDir(sourceDir); err != nil {
		return err
	}

	m.sup.Stop()

	rollback := m.stateDir + RollbackSuffix
	if err := os.RemoveAll(rollback); err != nil {
		return fmt.Errorf("clear previous rollback copy: %w", err)
	}

	moved := false
	if _, err := os.Stat(m.stateDir); err == nil {
		if err := os.Rename(m.stateDir, rollback); err != nil {
			return fmt.Errorf("set aside current state dir: %w", err)
		}
		moved = true
	}

	if err := m.applyRestore(sourceDir); err != nil {
		return m.rollbackAfter(err, rollback, moved)
	}

	if moved {
		// Committed: the set-aside original is discarded.
		if err := os.RemoveAll(rollback); err != nil {
			logger.Advisory(m.log, "discard rollback copy", err, "path", rollback)
		}
	}
	metrics.IncRestore("ok")
	m.notify("restore", "ok: "+sourceDir)
	m.log.Info("restore committed", "source", sourceDir)
	return nil
}

// applyRestore runs the mutation steps against a fresh state directory.
func (m *Manager) applyRestore(sourceDir string) error {
	if err := os.MkdirAll(m.stateDir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := copyTree(sourceDir, m.stateDir); err != nil {
		return fmt.Errorf("copy backup into state dir: %w", err)
	}

	cfgPath := gwconfig.PathIn(m.stateDir)
	doc, err := gwconfig.Load(cfgPath)
	if err != nil {
		return err
	}

	// The backup recorded the workspace root of the machine it came from;
	// rewrite that path wherever restored text files mention it.
	if oldRoot := doc.WorkspaceRoot(); oldRoot != "" && oldRoot != m.stateDir {
		if err := rewritePaths(m.stateDir, oldRoot, m.stateDir); err != nil {
			return fmt.Errorf("rewrite workspace paths: %w", err)
		}
		if doc, err = gwconfig.Load(cfgPath); err != nil {
			return err
		}
	}

	if err := doc.PatchForHost(gwconfig.HostPatch{StateDir: m.stateDir, ShellOrigin: m.shellOrigin}); err != nil {
		return err
	}
	if err := gwconfig.Save(cfgPath, doc); err != nil {
		return err
	}

	// Future spawns must present the restored installation's token.
	m.sup.SetToken(doc.Token())

	if err := m.sup.Start(); err != nil {
		return fmt.Errorf("start gateway on restored state: %w", err)
	}
	return nil
}

// rollbackAfter undoes a failed restore: remove whatever was half-written,
// rename the original back, restart on it. The original error is surfaced
// either way; a failed rollback rename is a double failure that additionally
// names the surviving copy rather than silently continuing.
func (m *Manager) rollbackAfter(cause error, rollback string, moved bool) error {
	m.log.Error("restore failed, rolling back", "error", cause)

	if err := os.RemoveAll(m.stateDir); err != nil {
		logger.Advisory(m.log, "remove half-written state dir", err, "path", m.stateDir)
	}
	if moved {
		if err := os.Rename(rollback, m.stateDir); err != nil {
			metrics.IncRestore("rollback_failed")
			m.notify("restore", "rollback failed: "+err.Error())
			return fmt.Errorf("restore failed: %w (rollback rename also failed: %v; original state preserved at %s)",
				cause, err, rollback)
		}
	}
	if err := m.sup.Start(); err != nil {
		logger.Advisory(m.log, "restart gateway after rollback", err)
	}
	metrics.IncRestore("rolled_back")
	m.notify("restore", "rolled back: "+cause.Error())
	return cause
}

func (m *Manager) notify(kind, detail string) {
	if m.onEvent != nil {
		m.onEvent(kind, detail)
	}
}

func formatFromName(name string) archive.Format {
	switch {
	case strings.HasSuffix(name, ".zip"):
		return archive.FormatZip
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return archive.FormatGzipTar
	default:
		return archive.FormatUnrecognized
	}
}
