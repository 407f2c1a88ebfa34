package heal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Service is one managed container as seen by the runtime.
type Service struct {
	ID           string
	Name         string
	Image        string
	State        string
	Health       string
	RestartCount int
	MemPercent   float64
	StartedAt    time.Time
}

// Containers is the runtime surface the healer drives. Implementations must
// be safe for concurrent use.
type Containers interface {
	List(ctx context.Context) ([]Service, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Kill(ctx context.Context, id string) error
	Prune(ctx context.Context) (uint64, error)
}

// DockerRuntime implements Containers on the Docker Engine API.
type DockerRuntime struct {
	logger  *slog.Logger
	client  *client.Client
	include []string
	exclude []string
}

// NewDockerRuntime connects to the engine over the given socket path.
// Include/exclude are glob patterns matched against container names.
func NewDockerRuntime(socket string, include, exclude []string, logger *slog.Logger) (*DockerRuntime, error) {
	c, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socket),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{
		logger:  logger.With("component", "docker"),
		client:  c,
		include: include,
		exclude: exclude,
	}, nil
}

// Close closes the engine connection.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// Events exposes the engine event stream for the watcher.
func (d *DockerRuntime) Events(ctx context.Context, opts events.ListOptions) (<-chan events.Message, <-chan error) {
	return d.client.Events(ctx, opts)
}

// List returns every matching container with health, restart count, and
// memory usage filled in where the engine can provide them.
func (d *DockerRuntime) List(ctx context.Context) ([]Service, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	services := make([]Service, 0, len(containers))
	for _, c := range containers {
		name := containerName(c.Names)
		if !d.matchFilter(name) {
			continue
		}
		svc := Service{ID: c.ID, Name: name, Image: c.Image, State: c.State}
		d.enrich(ctx, &svc)
		services = append(services, svc)
	}
	return services, nil
}

// enrich fills inspect- and stats-derived fields. Best effort: a service that
// cannot be inspected keeps its listing fields.
func (d *DockerRuntime) enrich(ctx context.Context, svc *Service) {
	insp, err := d.client.ContainerInspect(ctx, svc.ID)
	if err != nil {
		d.logger.Warn("container inspect failed", "container", svc.Name, "error", err)
		return
	}
	if insp.ContainerJSONBase == nil || insp.State == nil {
		return
	}
	svc.State = insp.State.Status
	svc.RestartCount = insp.RestartCount
	if insp.State.Health != nil {
		svc.Health = insp.State.Health.Status
	}
	if t, err := time.Parse(time.RFC3339Nano, insp.State.StartedAt); err == nil {
		svc.StartedAt = t
	}

	if svc.State != "running" {
		return
	}
	pct, err := d.memPercent(ctx, svc.ID)
	if err != nil {
		d.logger.Warn("container stats failed", "container", svc.Name, "error", err)
		return
	}
	svc.MemPercent = pct
}

// memPercent returns working-set memory as a percentage of the limit. The
// inactive file cache does not count toward the working set (cgroup v1
// reports it as total_inactive_file, v2 as inactive_file).
func (d *DockerRuntime) memPercent(ctx context.Context, id string) (float64, error) {
	resp, err := d.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, err
	}

	usage := stats.MemoryStats.Usage
	if v, ok := stats.MemoryStats.Stats["inactive_file"]; ok && usage > v {
		usage -= v
	} else if v, ok := stats.MemoryStats.Stats["total_inactive_file"]; ok && usage > v {
		usage -= v
	}
	if stats.MemoryStats.Limit == 0 {
		return 0, nil
	}
	return float64(usage) / float64(stats.MemoryStats.Limit) * 100, nil
}

// Start starts a stopped container.
func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", shortID(id), err)
	}
	return nil
}

// Stop stops a container with the engine's default grace period.
func (d *DockerRuntime) Stop(ctx context.Context, id string) error {
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop %s: %w", shortID(id), err)
	}
	return nil
}

// Restart stops and starts a container in one engine call.
func (d *DockerRuntime) Restart(ctx context.Context, id string) error {
	if err := d.client.ContainerRestart(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("restart %s: %w", shortID(id), err)
	}
	return nil
}

// Kill sends SIGKILL to a container.
func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	if err := d.client.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return fmt.Errorf("kill %s: %w", shortID(id), err)
	}
	return nil
}

// Prune removes stopped containers and dangling images, returning the bytes
// reclaimed.
func (d *DockerRuntime) Prune(ctx context.Context) (uint64, error) {
	cp, err := d.client.ContainersPrune(ctx, filters.NewArgs())
	if err != nil {
		return 0, fmt.Errorf("prune containers: %w", err)
	}
	ip, err := d.client.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return cp.SpaceReclaimed, fmt.Errorf("prune images: %w", err)
	}
	return cp.SpaceReclaimed + ip.SpaceReclaimed, nil
}

// containerName extracts a clean name from the engine's name list, which
// prefixes names with "/".
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	name := names[0]
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return name
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// matchFilter checks a container name against include/exclude patterns.
func (d *DockerRuntime) matchFilter(name string) bool {
	if len(d.include) > 0 {
		matched := false
		for _, pattern := range d.include {
			if ok, _ := filepath.Match(pattern, name); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pattern := range d.exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return false
		}
	}
	return true
}
