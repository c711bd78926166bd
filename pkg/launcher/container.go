package launcher

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const workspaceMountPoint = "/workspace"

const (
	// Namespace is the containerd namespace ZERG workers run under.
	Namespace = "zerg"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerLauncher runs workers as containerd containers, one per
// worker, with the feature worktree bind-mounted in.
type ContainerLauncher struct {
	client *containerd.Client
}

func NewContainerLauncher(socketPath string) (*ContainerLauncher, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &ContainerLauncher{client: client}, nil
}

func (l *ContainerLauncher) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

func (l *ContainerLauncher) EnsureNetwork(ctx context.Context, spec Spec) error {
	// No network is prepared and Spawn sets no namespace option, so each
	// container runs in the private network namespace of containerd's
	// default spec, not the host's; no CNI or bridge network is created.
	return nil
}

func workerContainerID(spec Spec) string {
	return fmt.Sprintf("zerg-%s-worker-%d", spec.Feature, spec.WorkerID)
}

func (l *ContainerLauncher) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	ctx = l.ctx(ctx)

	image, err := l.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = l.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return Handle{}, fmt.Errorf("pull image %s: %w", spec.Image, err)
		}
	}

	var env []string
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithProcessArgs("sh", "-c", spec.Command),
		oci.WithMounts([]specs.Mount{worktreeMount(spec.WorktreePath)}),
		oci.WithProcessCwd(workspaceMountPoint),
	}
	if spec.CPULimit > 0 {
		shares := uint64(spec.CPULimit * 1024)
		quota := int64(spec.CPULimit * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if spec.MemoryLimitBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimitBytes)))
	}

	id := workerContainerID(spec)
	ctr, err := l.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("create container for worker %d: %w", spec.WorkerID, err)
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return Handle{}, fmt.Errorf("create task for worker %d: %w", spec.WorkerID, err)
	}
	if err := task.Start(ctx); err != nil {
		return Handle{}, fmt.Errorf("start task for worker %d: %w", spec.WorkerID, err)
	}

	return Handle{WorkerID: spec.WorkerID, ContainerID: id, Port: spec.Port, StartedAt: time.Now()}, nil
}

func worktreeMount(worktreePath string) specs.Mount {
	return specs.Mount{
		Destination: workspaceMountPoint,
		Type:        "bind",
		Source:      worktreePath,
		Options:     []string{"rbind", "rw"},
	}
}

func (l *ContainerLauncher) Monitor(ctx context.Context, h Handle) (Status, error) {
	ctx = l.ctx(ctx)
	ctr, err := l.client.LoadContainer(ctx, h.ContainerID)
	if err != nil {
		return Status{Exited: true}, nil
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return Status{Exited: true}, nil
	}
	st, err := task.Status(ctx)
	if err != nil {
		return Status{Exited: true}, nil
	}
	switch st.Status {
	case containerd.Running:
		return Status{Running: true}, nil
	case containerd.Stopped:
		return Status{Exited: true, ExitCode: int(st.ExitStatus)}, nil
	default:
		return Status{Running: true}, nil
	}
}

func (l *ContainerLauncher) Terminate(ctx context.Context, h Handle, timeout time.Duration) error {
	ctx = l.ctx(ctx)
	ctr, err := l.client.LoadContainer(ctx, h.ContainerID)
	if err != nil {
		return nil
	}
	task, err := ctr.Task(ctx, nil)
	if err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_ = task.Kill(stopCtx, syscall.SIGTERM)
		statusC, waitErr := task.Wait(stopCtx)
		if waitErr == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				_ = task.Kill(ctx, syscall.SIGKILL)
			}
		}
		_, _ = task.Delete(ctx)
	}
	return ctr.Delete(ctx, containerd.WithSnapshotCleanup)
}

func (l *ContainerLauncher) SyncState(ctx context.Context, h Handle) (Status, error) {
	return l.Monitor(ctx, h)
}

func (l *ContainerLauncher) GetHandle(workerID int, pidOrContainerID string, port int) Handle {
	return Handle{WorkerID: workerID, ContainerID: pidOrContainerID, Port: port}
}
