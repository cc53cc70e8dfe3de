// Package container implements the Container Lifecycle manager (C11): a
// per-session sandbox backed by the Docker Engine API.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/agentrt/aca/pkg/config"
)

// Status is the lifecycle manager's view of the sandbox container.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusRemoved Status = "removed"
)

// Info is the cached record of the session's container.
type Info struct {
	ContainerID string
	Name        string
	Status      Status
}

// Docker is the subset of the Engine API client the lifecycle manager
// needs, narrowed for testability.
type Docker interface {
	ContainerList(ctx context.Context, opts container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, networking *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerStop(ctx context.Context, id string, opts container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, id string, cfg container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecStart(ctx context.Context, id string, cfg container.ExecStartOptions) error
	ContainerExecInspect(ctx context.Context, id string) (container.ExecInspect, error)
}

// Manager is the C11 container lifecycle manager: one instance per session.
type Manager struct {
	docker    Docker
	sessionID string
	cfg       config.ContainerConfig
	log       *slog.Logger

	mu   sync.RWMutex
	info *Info
}

// containerName is the deterministic name derived from a session id.
func containerName(sessionID string) string {
	n := sessionID
	if len(n) > 12 {
		n = n[:12]
	}
	return "aca-session-" + n
}

// NewManager builds a Manager wired to a live Docker client. Use NewClient
// to obtain the default Docker-from-environment client.
func NewManager(docker Docker, sessionID string, cfg config.ContainerConfig, log *slog.Logger) *Manager {
	return &Manager{docker: docker, sessionID: sessionID, cfg: cfg, log: log}
}

// NewClient returns a Docker Engine API client configured from the
// environment (DOCKER_HOST, TLS material, API version negotiation).
func NewClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// EnsureContainer returns the cached container id if one is live, otherwise
// starts a new or existing session container.
func (m *Manager) EnsureContainer(ctx context.Context) (string, error) {
	m.mu.RLock()
	cached := m.info
	m.mu.RUnlock()
	if cached != nil && cached.Status == StatusRunning {
		return cached.ContainerID, nil
	}
	return m.StartSessionContainer(ctx)
}

// StartSessionContainer searches for an existing container by name; if
// found, starts it if stopped. Otherwise it builds and creates a fresh one.
func (m *Manager) StartSessionContainer(ctx context.Context) (string, error) {
	name := containerName(m.sessionID)

	existing, err := m.findByName(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != "" {
		if err := m.startIfStopped(ctx, existing); err != nil {
			return "", err
		}
		m.setInfo(&Info{ContainerID: existing, Name: name, Status: StatusRunning})
		return existing, nil
	}

	workspaceMount := mount.Mount{Type: mount.TypeBind, Source: m.cfg.WorkspacePath, Target: "/workspace"}
	acaMount := mount.Mount{Type: mount.TypeBind, Source: m.cfg.ACAPath, Target: "/workspace/.aca"}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{workspaceMount, acaMount},
		Resources: container.Resources{
			Memory:   m.cfg.MemoryBytes,
			CPUQuota: m.cfg.CPUQuota,
		},
		AutoRemove: false,
	}
	containerCfg := &container.Config{
		Image: m.cfg.Image,
		Cmd:   []string{"sleep", "infinity"},
		Labels: map[string]string{
			"aca.session.id": m.sessionID,
			"aca.managed":    "true",
		},
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container: create: %w", err)
	}
	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container: start: %w", err)
	}

	m.setInfo(&Info{ContainerID: resp.ID, Name: name, Status: StatusRunning})
	m.log.Info("session container created", "session_id", m.sessionID, "container_id", resp.ID)
	return resp.ID, nil
}

// StopSessionContainer stops without removing.
func (m *Manager) StopSessionContainer(ctx context.Context) error {
	m.mu.RLock()
	info := m.info
	m.mu.RUnlock()
	if info == nil {
		return nil
	}
	if err := m.docker.ContainerStop(ctx, info.ContainerID, container.StopOptions{}); err != nil {
		return fmt.Errorf("container: stop: %w", err)
	}
	m.setInfo(&Info{ContainerID: info.ContainerID, Name: info.Name, Status: StatusStopped})
	return nil
}

// Shutdown stops the container, removing it if AutoRemove is set, and
// clears the cached id.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	info := m.info
	m.mu.RUnlock()
	if info == nil {
		return nil
	}

	if err := m.docker.ContainerStop(ctx, info.ContainerID, container.StopOptions{}); err != nil {
		m.log.Warn("container stop failed during shutdown", "error", err)
	}
	if m.cfg.AutoRemove {
		if err := m.docker.ContainerRemove(ctx, info.ContainerID, container.RemoveOptions{Force: true}); err != nil {
			m.log.Warn("container remove failed during shutdown", "error", err)
		}
	}

	m.setInfo(&Info{ContainerID: info.ContainerID, Name: info.Name, Status: StatusRemoved})
	return nil
}

// Reconnect re-attaches to a previously known container. A Removed status
// refuses reconnection. A container-id mismatch against the re-discovered
// container is logged but not fatal, since the engine reassigns ids when a
// container is recreated under the same name.
func (m *Manager) Reconnect(ctx context.Context, previous Info) (Info, error) {
	if previous.Status == StatusRemoved {
		return Info{}, fmt.Errorf("container: cannot reconnect, previous container was removed")
	}

	id, err := m.findByName(ctx, previous.Name)
	if err != nil {
		return Info{}, err
	}
	if id == "" {
		return Info{}, fmt.Errorf("container: no container found named %s", previous.Name)
	}
	if id != previous.ContainerID {
		m.log.Warn("container id changed on reconnect", "expected", previous.ContainerID, "actual", id)
	}

	if err := m.startIfStopped(ctx, id); err != nil {
		return Info{}, err
	}

	info := Info{ContainerID: id, Name: previous.Name, Status: StatusRunning}
	m.setInfo(&info)
	return info, nil
}

// HealthCheck runs /bin/true inside the container; a zero exit code means
// healthy.
func (m *Manager) HealthCheck(ctx context.Context) (bool, error) {
	m.mu.RLock()
	info := m.info
	m.mu.RUnlock()
	if info == nil {
		return false, fmt.Errorf("container: no container to health check")
	}

	exec, err := m.docker.ContainerExecCreate(ctx, info.ContainerID, container.ExecOptions{Cmd: []string{"/bin/true"}})
	if err != nil {
		return false, fmt.Errorf("container: exec create: %w", err)
	}
	if err := m.docker.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{}); err != nil {
		return false, fmt.Errorf("container: exec start: %w", err)
	}

	for {
		inspect, err := m.docker.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return false, fmt.Errorf("container: exec inspect: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode == 0, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (m *Manager) findByName(ctx context.Context, name string) (string, error) {
	f := filters.NewArgs(filters.Arg("name", name))
	summaries, err := m.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", fmt.Errorf("container: list: %w", err)
	}
	for _, s := range summaries {
		for _, n := range s.Names {
			if n == "/"+name || n == name {
				return s.ID, nil
			}
		}
	}
	return "", nil
}

func (m *Manager) startIfStopped(ctx context.Context, id string) error {
	inspect, err := m.docker.ContainerInspect(ctx, id)
	if err != nil {
		return fmt.Errorf("container: inspect: %w", err)
	}
	if inspect.State != nil && inspect.State.Running {
		return nil
	}
	if err := m.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container: start: %w", err)
	}
	return nil
}

func (m *Manager) setInfo(info *Info) {
	m.mu.Lock()
	m.info = info
	m.mu.Unlock()
}

// CurrentInfo returns a copy of the cached container info, or nil if none.
func (m *Manager) CurrentInfo() *Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.info == nil {
		return nil
	}
	cp := *m.info
	return &cp
}
