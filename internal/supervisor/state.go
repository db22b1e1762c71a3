package supervisor

// Phase is the supervisor status as observed by callers. Transitions are
// one-directional per start attempt: starting -> ready, or starting -> failed.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseReady    Phase = "ready"
	PhaseFailed   Phase = "failed"
)

// GatewayState is the wholesale-replaced status value broadcast to
// observers. The latest value is cached so a late-joining observer is
// informed synchronously on subscription.
type GatewayState struct {
	Phase   Phase  `json:"phase"`
	Port    int    `json:"port,omitempty"`
	LogsDir string `json:"logsDir,omitempty"`
	URL     string `json:"url,omitempty"`     // ready only
	Token   string `json:"token,omitempty"`
	Details string `json:"details,omitempty"` // failed only: diagnostic tail
	PID     int    `json:"pid,omitempty"`
}
