// Package reaper cleans up gateway instances left behind by a crash or a
// forced quit of the embedding shell. It must run, and the old sentinel must
// be cleared, before the supervisor's first spawn of a run; otherwise the new
// PID would overwrite the sentinel while the old process may still be alive.
package reaper

import (
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/loykin/gatekeeper/internal/logger"
)

// SentinelName is the fixed name of the PID sentinel file inside the state
// directory.
const SentinelName = "gateway.pid"

const (
	killConfirmWait = 5 * time.Second
	killPollStep    = 100 * time.Millisecond
)

// SentinelPath returns the sentinel location for a state directory.
func SentinelPath(stateDir string) string {
	return filepath.Join(stateDir, SentinelName)
}

// WritePid persists pid as plain text. This is a hygiene mechanism, not a
// correctness-critical path: failures are logged and never returned.
func WritePid(stateDir string, pid int, log *slog.Logger) {
	path := SentinelPath(stateDir)
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		logger.Advisory(log, "create state dir for pid sentinel", err, "path", stateDir)
		return
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		logger.Advisory(log, "write pid sentinel", err, "path", path)
	}
}

// ClearSentinel removes the sentinel after a clean shutdown, best-effort.
func ClearSentinel(stateDir string, log *slog.Logger) {
	if err := os.Remove(SentinelPath(stateDir)); err != nil && !os.IsNotExist(err) {
		logger.Advisory(log, "remove pid sentinel", err, "path", SentinelPath(stateDir))
	}
}

// KillOrphaned reads the sentinel and, when it names a live process,
// force-kills that process's entire group, waiting a bounded interval for
// confirmed death. The sentinel is deleted in every branch so the next
// startup does not re-trigger on a stale file. It returns the PID that was
// killed, or 0 when no live orphan was found.
func KillOrphaned(stateDir string, log *slog.Logger) int {
	path := SentinelPath(stateDir)
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	// The file exists: whatever happens next, it must go away.
	defer ClearSentinel(stateDir, log)

	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		logger.Advisory(log, "unparseable pid sentinel", err, "path", path)
		return 0
	}
	if !pidAlive(pid) {
		return 0
	}

	log.Warn("killing orphaned gateway", "pid", pid)
	killTree(pid, log)

	// Bounded confirmation poll. A lingering process past the deadline is
	// accepted; the sentinel is cleaned up regardless.
	deadline := time.Now().Add(killConfirmWait)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			break
		}
		time.Sleep(killPollStep)
	}
	return pid
}

// LockPath derives the deterministic single-instance lock location the
// gateway itself uses for a given configuration path.
func LockPath(configPath string) string {
	sum := blake3.Sum256([]byte(configPath))
	return filepath.Join(os.TempDir(), "gateway-"+hex.EncodeToString(sum[:8])+".lock")
}

// RemoveStaleLock deletes the single-instance lock for configPath. Purely
// advisory: the lock is owned by the gateway, and this only runs after the
// previous owner was independently confirmed dead.
func RemoveStaleLock(configPath string, log *slog.Logger) {
	path := LockPath(configPath)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Advisory(log, "remove stale instance lock", err, "path", path)
	}
}
