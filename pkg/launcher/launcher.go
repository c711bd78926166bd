// Package launcher spawns, monitors and terminates worker processes —
// either bare subprocesses or containerd containers — behind one
// interface so the orchestrator never branches on backend (spec.md
// §4.5).
package launcher

import (
	"context"
	"net"
	"time"
)

// Handle identifies a running worker instance to its backend.
type Handle struct {
	WorkerID  int
	PID       int    // subprocess backend
	ContainerID string // container backend
	Port      int
	StartedAt time.Time
}

// Spec describes what to launch for one worker.
type Spec struct {
	WorkerID   int
	Feature    string
	WorktreePath string
	Branch     string
	Port       int
	Env        map[string]string
	Command    string // worker process entrypoint (the zerg-worker binary); per-task LLM invocation is opaque to ZERG and built inside that process
	Image      string // container backend only
	MemoryLimitBytes int64
	CPULimit   float64
}

// Status is a backend-agnostic liveness snapshot.
type Status struct {
	Running bool
	Exited  bool
	ExitCode int
	Stalled bool
}

// Launcher spawns and supervises worker instances.
type Launcher interface {
	// EnsureNetwork prepares whatever network namespace/port path a
	// worker needs before Spawn (a no-op for the subprocess backend).
	EnsureNetwork(ctx context.Context, spec Spec) error
	// Spawn starts a worker instance and returns its Handle.
	Spawn(ctx context.Context, spec Spec) (Handle, error)
	// Monitor reports the current liveness of a previously spawned handle.
	Monitor(ctx context.Context, h Handle) (Status, error)
	// Terminate stops (and for containers, removes) a worker instance.
	Terminate(ctx context.Context, h Handle, timeout time.Duration) error
	// SyncState reconciles the backend's view of a handle against what is
	// recorded, used after an orchestrator restart.
	SyncState(ctx context.Context, h Handle) (Status, error)
	// GetHandle reconstructs a Handle from persisted worker state.
	GetHandle(workerID int, pidOrContainerID string, port int) Handle
}

// Type names the launcher backend.
type Type string

const (
	Subprocess Type = "subprocess"
	Container  Type = "container"
	Auto       Type = "auto"
)

// New resolves Type into a concrete Launcher. Auto probes for a reachable
// Docker/containerd daemon at dockerHost with a short timeout; any
// failure to dial is treated as "absent" and falls back to the
// subprocess backend, matching spec.md §9's single probe-gate decision.
func New(t Type, dockerHost, containerdSocket string) (Launcher, error) {
	switch t {
	case Subprocess:
		return NewSubprocessLauncher(), nil
	case Container:
		return NewContainerLauncher(containerdSocket)
	default:
		if dockerAvailable(dockerHost) {
			return NewContainerLauncher(containerdSocket)
		}
		return NewSubprocessLauncher(), nil
	}
}

func dockerAvailable(dockerHost string) bool {
	if dockerHost == "" {
		dockerHost = "/var/run/docker.sock"
	}
	conn, err := net.DialTimeout("unix", dockerHost, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

