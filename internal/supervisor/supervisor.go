// Package supervisor launches, watches, and terminates the local gateway
// child process. At most one handle is live per state directory; Start is a
// no-op while a handle exists, and Stop clears the handle before signalling
// so concurrent stops are idempotent.
package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/gatekeeper/internal/gwconfig"
	"github.com/loykin/gatekeeper/internal/logger"
	"github.com/loykin/gatekeeper/internal/metrics"
	"github.com/loykin/gatekeeper/internal/netutil"
	"github.com/loykin/gatekeeper/internal/reaper"
	"github.com/loykin/gatekeeper/internal/tailbuf"
)

const (
	// DefaultReadyTimeout bounds the wait for the gateway to accept
	// connections after spawn.
	DefaultReadyTimeout = 30 * time.Second
	// StopGrace is the fixed window between SIGTERM and SIGKILL.
	StopGrace = 1500 * time.Millisecond

	reapFinalWait = 200 * time.Millisecond
	loopbackHost  = "127.0.0.1"
)

// Options configures a Supervisor.
type Options struct {
	StateDir      string        // gateway state directory (config, data, sentinel)
	GatewayBin    string        // path to the gateway binary
	GatewayArgs   []string      // extra argv passed to the gateway
	PreferredPort int           // tried first; an ephemeral port is used when taken
	LogsDir       string        // defaults to <StateDir>/logs
	Log           logger.Config // rotation settings for the child's streams
	CompanionDirs []string      // prepended to PATH for bundled helper binaries
	ExtraEnv      []string      // additional KEY=VALUE pairs for the child
	Token         string        // auth token handed to the gateway
	ReadyTimeout  time.Duration // defaults to DefaultReadyTimeout
	TailCap       int           // diagnostic tail budget, defaults to tailbuf.DefaultCap
	Logger        *slog.Logger
}

// Handle represents one running supervised gateway. Owned exclusively by the
// Supervisor: created on spawn, cleared on confirmed exit or stop.
type Handle struct {
	cmd        *exec.Cmd
	pid        int
	port       int
	tail       *tailbuf.Buffer
	waitDone   chan struct{} // closed when cmd.Wait returns
	outW, errW io.WriteCloser
}

// PID returns the child's process id (also its process-group id, since the
// child is spawned as group leader).
func (h *Handle) PID() int { return h.pid }

// Port returns the port the child was told to bind.
func (h *Handle) Port() int { return h.port }

// Tail returns the retained trailing diagnostic output.
func (h *Handle) Tail() string { return h.tail.String() }

// Supervisor owns the single gateway handle and the observable state. All
// entry points are safe for concurrent use, but callers are expected to
// invoke lifecycle operations sequentially; restore always stops first.
type Supervisor struct {
	mu     sync.Mutex
	opts   Options
	token  string
	handle *Handle
	state  GatewayState
	subs   []func(GatewayState)
	reaped bool
	log    *slog.Logger

	// onEvent, when set, receives lifecycle notifications for history
	// recording. Best-effort: errors stay inside the callback.
	onEvent func(kind string, pid, port int, detail string)
}

// New builds a Supervisor. The state directory is created lazily on spawn.
func New(opts Options) *Supervisor {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.LogsDir == "" {
		opts.LogsDir = filepath.Join(opts.StateDir, "logs")
	}
	if opts.Log.Dir == "" {
		opts.Log.Dir = opts.LogsDir
	}
	return &Supervisor{
		opts:  opts,
		token: opts.Token,
		state: GatewayState{Phase: PhaseStopped, LogsDir: opts.LogsDir},
		log:   log,
	}
}

// OnEvent registers the lifecycle notification callback.
func (s *Supervisor) OnEvent(fn func(kind string, pid, port int, detail string)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// StateDir returns the supervised state directory.
func (s *Supervisor) StateDir() string { return s.opts.StateDir }

// ConfigPath returns the gateway configuration path inside the state dir.
func (s *Supervisor) ConfigPath() string { return gwconfig.PathIn(s.opts.StateDir) }

// Token returns the auth token future spawns will use.
func (s *Supervisor) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken replaces the auth token; a restore installs the restored
// configuration's token here so the next spawn matches it.
func (s *Supervisor) SetToken(tok string) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

// Subscribe registers an observer and synchronously delivers the cached
// latest state, so a reconnecting window sees current status immediately.
func (s *Supervisor) Subscribe(fn func(GatewayState)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	st := s.state
	s.mu.Unlock()
	fn(st)
}

// State returns the latest observed state.
func (s *Supervisor) State() GatewayState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether a handle is currently live.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

func (s *Supervisor) publish(st GatewayState) {
	s.mu.Lock()
	s.state = st
	subs := append(([]func(GatewayState))(nil), s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

// ReapOrphans kills any instance left behind by a previous run and clears
// the stale single-instance lock. It runs once; Start calls it before the
// first spawn, but the daemon may invoke it earlier to own the ordering.
func (s *Supervisor) ReapOrphans() {
	s.mu.Lock()
	if s.reaped {
		s.mu.Unlock()
		return
	}
	s.reaped = true
	s.mu.Unlock()

	if pid := reaper.KillOrphaned(s.opts.StateDir, s.log); pid != 0 {
		metrics.IncOrphanKilled()
		s.notify("reap", pid, 0, "")
	}
	reaper.RemoveStaleLock(s.ConfigPath(), s.log)
}

// Start ensures a gateway is running. It is a no-op when a handle is already
// live, and otherwise blocks until the child confirms readiness on its port
// or the attempt is declared failed.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.handle != nil {
		s.mu.Unlock()
		return nil
	}
	token := s.token
	s.mu.Unlock()

	s.ReapOrphans()

	port, err := netutil.PickPort(s.opts.PreferredPort)
	if err != nil {
		return fmt.Errorf("pick gateway port: %w", err)
	}

	s.publish(GatewayState{Phase: PhaseStarting, Port: port, LogsDir: s.opts.LogsDir, Token: token})

	h, err := s.spawn(port, token)
	if err != nil {
		metrics.IncStartFailure()
		s.publish(GatewayState{Phase: PhaseFailed, Port: port, LogsDir: s.opts.LogsDir, Token: token, Details: err.Error()})
		return err
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	metrics.SetUp(true)

	reaper.WritePid(s.opts.StateDir, h.pid, s.log)

	if !s.waitReady(h) {
		tail := h.Tail()
		s.Stop()
		metrics.IncStartFailure()
		st := GatewayState{Phase: PhaseFailed, Port: port, LogsDir: s.opts.LogsDir, Token: token, Details: tail}
		s.publish(st)
		s.notify("start_failed", h.pid, port, tail)
		return fmt.Errorf("gateway did not become ready on port %d within %s", port, s.opts.ReadyTimeout)
	}

	st := GatewayState{
		Phase:   PhaseReady,
		Port:    port,
		LogsDir: s.opts.LogsDir,
		URL:     fmt.Sprintf("http://%s:%d", loopbackHost, port),
		Token:   token,
		PID:     h.pid,
	}
	s.publish(st)
	metrics.IncStart()
	s.notify("start", h.pid, port, "")
	s.log.Info("gateway ready", "pid", h.pid, "port", port)
	return nil
}

// Stop terminates the supervised gateway: graceful signal, fixed grace
// period, then a forceful group kill. The handle reference is cleared first
// so concurrent Stop calls are idempotent no-ops.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return
	}

	if err := terminateGroup(h.pid); err != nil {
		logger.Advisory(s.log, "signal gateway group", err, "pid", h.pid)
	}
	select {
	case <-h.waitDone:
	case <-time.After(StopGrace):
		if err := killGroup(h.pid); err != nil {
			logger.Advisory(s.log, "kill gateway group", err, "pid", h.pid)
		}
		select {
		case <-h.waitDone:
		case <-time.After(reapFinalWait):
			// best-effort; the reaper handles true survivors next run
		}
	}

	reaper.ClearSentinel(s.opts.StateDir, s.log)
	metrics.SetUp(false)
	metrics.IncStop()
	s.publish(GatewayState{Phase: PhaseStopped, LogsDir: s.opts.LogsDir, Token: s.Token()})
	s.notify("stop", h.pid, h.port, "")
	s.log.Info("gateway stopped", "pid", h.pid)
}

// spawn launches the gateway binary as the leader of a new process group,
// wiring stdout/stderr to rotating log files and the diagnostic tail.
func (s *Supervisor) spawn(port int, token string) (*Handle, error) {
	if s.opts.GatewayBin == "" {
		return nil, fmt.Errorf("no gateway binary configured")
	}
	if err := os.MkdirAll(s.opts.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(s.opts.LogsDir, 0o750); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	tail := tailbuf.New(s.opts.TailCap)
	outW, errW, err := s.opts.Log.Writers()
	if err != nil {
		return nil, fmt.Errorf("open log writers: %w", err)
	}

	// #nosec G204 -- the binary path comes from our own configuration
	cmd := exec.Command(s.opts.GatewayBin, s.opts.GatewayArgs...)
	cmd.Dir = s.opts.StateDir
	cmd.Env = s.buildEnv(port, token)
	cmd.Stdout = io.MultiWriter(outW, tail)
	cmd.Stderr = io.MultiWriter(errW, tail)
	setGroupLeader(cmd)

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("spawn gateway: %w", err)
	}

	h := &Handle{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		port:     port,
		tail:     tail,
		waitDone: make(chan struct{}),
		outW:     outW,
		errW:     errW,
	}
	go func() {
		_ = cmd.Wait()
		_ = outW.Close()
		_ = errW.Close()
		close(h.waitDone)
	}()
	s.log.Info("gateway spawned", "pid", h.pid, "port", port)
	return h, nil
}

// waitReady polls the child's port until it accepts a connection, the child
// exits, or the ready deadline elapses.
func (s *Supervisor) waitReady(h *Handle) bool {
	deadline := time.Now().Add(s.opts.ReadyTimeout)
	for {
		select {
		case <-h.waitDone:
			return false
		default:
		}
		if netutil.WaitForPortOpen(loopbackHost, h.port, netutil.ProbeInterval) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
	}
}

// buildEnv assembles the child environment: the daemon's environment with
// gateway-specific overrides and a search path extended with directories
// containing bundled companion binaries.
func (s *Supervisor) buildEnv(port int, token string) []string {
	overrides := make(map[string]string, len(s.opts.ExtraEnv)+4)
	for _, kv := range s.opts.ExtraEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			overrides[k] = v
		}
	}
	overrides["GATEWAY_STATE_DIR"] = s.opts.StateDir
	overrides["GATEWAY_CONFIG"] = s.ConfigPath()
	overrides["GATEWAY_PORT"] = strconv.Itoa(port)
	overrides["GATEWAY_TOKEN"] = token
	env := make([]string, 0, len(os.Environ())+len(overrides))
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, shadowed := overrides[k]; shadowed {
			continue
		}
		if k == "PATH" && len(s.opts.CompanionDirs) > 0 {
			v = strings.Join(append(append([]string{}, s.opts.CompanionDirs...), v), string(os.PathListSeparator))
		}
		env = append(env, k+"="+v)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *Supervisor) notify(kind string, pid, port int, detail string) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(kind, pid, port, detail)
	}
}
