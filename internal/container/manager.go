package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/mtzanidakis/sminos/internal/config"
)

const (
	labelPrefix = "sminos"
	networkName = "sminos-net"
)

type Manager struct {
	docker      *client.Client
	cfg         config.RunnerConfig
	mu          sync.RWMutex
	active      map[string]*ContainerInfo // workerID → container
	networkName string                    // resolved network name
}

type ContainerInfo struct {
	ID        string    `json:"id"`
	WorkerID  string    `json:"worker_id"`
	SwarmID   string    `json:"swarm_id"`
	Solver    string    `json:"solver"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type WorkerOpts struct {
	WorkerID      string
	SwarmID       string
	Solver        string
	Image         string
	WorkDir       string
	ProblemDir    string
	Mounts        []Mount
	NATSUrl       string
	MemoryLimitMB int64
	Env           map[string]string
}

func NewManager(cfg config.RunnerConfig) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Manager{
		docker: docker,
		cfg:    cfg,
		active: make(map[string]*ContainerInfo),
	}, nil
}

// Ping reports whether the docker daemon is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.docker.Ping(ctx)
	return err
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	if m.networkName != "" {
		return nil
	}

	_, err := m.docker.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		m.networkName = networkName
		return nil
	}

	// Create it (for non-Compose runs like make dev)
	_, err = m.docker.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	m.networkName = networkName
	slog.Info("created docker network", "network", networkName)
	return nil
}

func (m *Manager) StartWorker(ctx context.Context, opts WorkerOpts) (*ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[opts.WorkerID]; ok {
		return existing, nil
	}

	if len(m.active) >= m.cfg.MaxRunning {
		return nil, fmt.Errorf("max containers (%d) reached", m.cfg.MaxRunning)
	}

	if err := m.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	containerName := fmt.Sprintf("sminos-worker-%s", opts.WorkerID)

	// Remove any stale container with the same name
	timeout := 5
	_ = m.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &timeout})
	_ = m.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	env := []string{
		fmt.Sprintf("NATS_URL=%s", opts.NATSUrl),
		fmt.Sprintf("SMINOS_WORKER_ID=%s", opts.WorkerID),
		fmt.Sprintf("SMINOS_SOLVER=%s", opts.Solver),
	}
	if opts.SwarmID != "" {
		env = append(env, fmt.Sprintf("SMINOS_SWARM_ID=%s", opts.SwarmID))
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}

	// Per-solver env vars
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := buildMounts(opts)

	image := opts.Image
	if image == "" {
		image = m.cfg.Image
	}

	containerCfg := &dockercontainer.Config{
		Image: image,
		Env:   env,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".worker":  opts.WorkerID,
			labelPrefix + ".swarm":   opts.SwarmID,
			labelPrefix + ".solver":  opts.Solver,
		},
	}

	memLimit := opts.MemoryLimitMB
	if memLimit == 0 {
		memLimit = m.cfg.MemoryLimitMB
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds:       mounts,
		NetworkMode: dockercontainer.NetworkMode(m.networkName),
	}
	if memLimit > 0 {
		hostCfg.Resources = dockercontainer.Resources{Memory: memLimit << 20}
	}

	networkCfg := &network.NetworkingConfig{}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	info := &ContainerInfo{
		ID:        resp.ID,
		WorkerID:  opts.WorkerID,
		SwarmID:   opts.SwarmID,
		Solver:    opts.Solver,
		Name:      containerName,
		Status:    "running",
		StartedAt: time.Now(),
	}
	m.active[opts.WorkerID] = info

	slog.Info("worker container started", "worker", opts.WorkerID, "solver", opts.Solver, "container", resp.ID[:12])
	return info, nil
}

func (m *Manager) StopWorker(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.active[workerID]
	if !ok {
		return nil
	}

	timeout := 10
	if err := m.docker.ContainerStop(ctx, info.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", info.ID[:12], "error", err)
	}

	if err := m.docker.ContainerRemove(ctx, info.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", info.ID[:12], "error", err)
	}

	delete(m.active, workerID)
	slog.Info("worker container stopped", "worker", workerID)
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	workerIDs := make([]string, 0, len(m.active))
	for id := range m.active {
		workerIDs = append(workerIDs, id)
	}
	m.mu.RUnlock()

	for _, id := range workerIDs {
		_ = m.StopWorker(ctx, id)
	}
}

func (m *Manager) ListRunning(ctx context.Context) ([]ContainerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ContainerInfo, 0, len(m.active))
	for _, info := range m.active {
		result = append(result, *info)
	}
	return result, nil
}

func (m *Manager) GetRunning(workerID string) *ContainerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.active[workerID]; ok {
		return info
	}
	return nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// WaitExit blocks until the worker's container stops and returns its exit
// code. Returns an error when the wait itself fails or the context ends.
func (m *Manager) WaitExit(ctx context.Context, workerID string) (int64, error) {
	info := m.GetRunning(workerID)
	if info == nil {
		return 0, fmt.Errorf("no running container for worker %s", workerID)
	}

	statusCh, errCh := m.docker.ContainerWait(ctx, info.ID, dockercontainer.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return 0, err
	}
}

// Logs returns the tail of a worker container's combined output, for crash
// diagnostics.
func (m *Manager) Logs(ctx context.Context, workerID string, tailLines int) (string, error) {
	info := m.GetRunning(workerID)
	if info == nil {
		return "", fmt.Errorf("no running container for worker %s", workerID)
	}

	reader, err := m.docker.ContainerLogs(ctx, info.ID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tailLines),
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, reader); err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return out.String(), nil
}

func (m *Manager) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	m.mu.RLock()
	activeIDs := make(map[string]bool)
	for _, info := range m.active {
		activeIDs[info.ID] = true
	}
	m.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", c.ID[:12])
			_ = m.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func (m *Manager) BuildImage(ctx context.Context) error {
	return BuildSolverImage(ctx, m.docker, m.cfg.Image)
}
