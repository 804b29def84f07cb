// Package dispatchdocker starts build agents as local Docker containers.
package dispatchdocker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/k11v/pipetrack/internal/dispatch"
	"github.com/k11v/pipetrack/internal/event"
	"github.com/k11v/pipetrack/internal/failure"
)

// DispatchType is the dispatch type Launcher serves.
const DispatchType = "DOCKER"

var (
	_ dispatch.Launcher = (*Launcher)(nil)
	_ dispatch.Stopper  = (*Launcher)(nil)
)

// ContainerAPI is the part of the Docker client Launcher uses.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Config holds the Docker launcher configuration.
type Config struct {
	Image   string `env:"IMAGE"`   // default: "pipetrack-agent"
	Network string `env:"NETWORK"` // default: "bridge"
}

func (c *Config) image() string {
	image := c.Image
	if image == "" {
		image = "pipetrack-agent"
	}
	return image
}

func (c *Config) network() string {
	n := c.Network
	if n == "" {
		n = "bridge"
	}
	return n
}

type Launcher struct {
	api ContainerAPI // required
	cfg Config
}

func NewLauncher(api ContainerAPI, cfg Config) *Launcher {
	return &Launcher{api: api, cfg: cfg}
}

// NewClient returns a Docker client configured from the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dispatchdocker.NewClient: %w", err)
	}
	return cli, nil
}

// ContainerName returns the name of the container that runs the agent of a slot.
func ContainerName(buildID, vmSeqID string, executeCount int) string {
	return fmt.Sprintf("pipetrack-agent-%s-%s-%d", buildID, vmSeqID, executeCount)
}

// Launch creates and starts the agent container. A container that already
// exists for the slot is started again.
func (l *Launcher) Launch(ctx context.Context, d event.Dispatch) error {
	name := ContainerName(d.BuildID, d.VMSeqID, d.ExecuteCount)

	createResp, err := l.api.ContainerCreate(
		ctx,
		&container.Config{
			Image: l.cfg.image(),
			Env:   agentEnv(d),
			Labels: map[string]string{
				"pipetrack.project-id": d.ProjectID,
				"pipetrack.build-id":   d.BuildID,
				"pipetrack.vm-seq-id":  d.VMSeqID,
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(l.cfg.network()),
			CapDrop:     strslice.StrSlice{"ALL"},
		},
		nil,
		nil,
		name,
	)
	id := createResp.ID
	switch {
	case errdefs.IsConflict(err):
		slog.Info("agent container already exists", "name", name)
		id = name
	case err != nil:
		return failure.System(failure.CodeLaunchFailed, "unable to create agent container", err)
	}
	if len(createResp.Warnings) > 0 {
		slog.Warn("created agent container with warnings", "name", name, "warnings", createResp.Warnings)
	}

	if err = l.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return failure.System(failure.CodeLaunchFailed, "unable to start agent container", err)
	}

	slog.Info("started agent container", "name", name, "build_id", d.BuildID, "vm_seq_id", d.VMSeqID)
	return nil
}

// Stop removes the agent container of the slot e describes.
// A missing container is not an error.
func (l *Launcher) Stop(ctx context.Context, e event.AgentShutdown) error {
	executeCount := 1
	if e.ExecuteCount != nil {
		executeCount = *e.ExecuteCount
	}
	name := ContainerName(e.BuildID, e.VMSeqID, executeCount)

	err := l.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("dispatchdocker.Launcher: %w", err)
	}
	return nil
}

func agentEnv(d event.Dispatch) []string {
	env := []string{
		"DEVOPS_AGENT_ID=" + d.ID,
		"DEVOPS_AGENT_SECRET_KEY=" + d.SecretKey,
		"DEVOPS_GATEWAY=" + d.Gateway,
		"DEVOPS_PROJECT_ID=" + d.ProjectID,
		"DEVOPS_BUILD_ID=" + d.BuildID,
		"DEVOPS_VM_SEQ_ID=" + d.VMSeqID,
	}
	for _, k := range slices.Sorted(maps.Keys(d.CustomBuildEnv)) {
		env = append(env, k+"="+d.CustomBuildEnv[k])
	}
	return env
}
