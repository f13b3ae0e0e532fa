// Package sandbox launches a tool-server inside a Docker container instead
// of as a bare host subprocess; cmd/gatewayd uses it when
// TOOL_SERVER_RUNTIME=container. It generalizes the teacher's agent-container
// runtime adapter to sandboxing a broker's tool-server child process.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
)

const (
	labelManagedBy = "agentgate.managed-by"
	labelTool      = "agentgate.tool-server"
	managedByValue = "agentgate"
	stopTimeout    = 10 * time.Second

	// DefaultNetwork is the Docker network sandboxed tool-servers attach to.
	DefaultNetwork = "agentgate"
)

// Spec describes the container a sandboxed tool-server runs in.
type Spec struct {
	Name        string
	Image       string
	Env         map[string]string
	Labels      map[string]string
	NetworkName string
}

// Handle identifies a running sandboxed tool-server container.
type Handle struct {
	Name          string
	ContainerID   string
	ContainerName string
}

// Adapter manages sandboxed tool-server containers via the Docker Engine API.
type Adapter struct {
	client  *dockerclient.Client
	network string
}

// New creates a sandbox adapter using the DOCKER_HOST env var or the
// default socket path.
func New() (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &Adapter{client: cli, network: DefaultNetwork}, nil
}

// EnsureNetwork creates the sandbox's bridge network if it doesn't exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return fmt.Errorf("sandbox: list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("sandbox: create network %q: %w", a.network, err)
	}
	return nil
}

// Spawn creates and starts a sandboxed tool-server container. The returned
// Handle's ContainerID is used to run `docker exec -i <id> <command>` as the
// broker's subprocess command, so the existing stdio JSON-RPC bridge is
// reused unchanged.
func (a *Adapter) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Image == "" {
		return Handle{}, fmt.Errorf("sandbox: spec.Image is required")
	}
	networkName := spec.NetworkName
	if networkName == "" {
		networkName = a.network
	}
	containerName := "agentgate-tool-" + spec.Name

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelTool:      spec.Name,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
		// The image's own entrypoint runs as the container's main process,
		// with stdin held open; the broker talks to the tool-server through
		// the separate `docker exec -i` process that ExecCommand builds.
		Tty:       false,
		OpenStdin: true,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return Handle{}, fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("sandbox: start container: %w", err)
	}

	return Handle{Name: spec.Name, ContainerID: resp.ID, ContainerName: containerName}, nil
}

// Stop gracefully stops the sandboxed container.
func (a *Adapter) Stop(ctx context.Context, h Handle) error {
	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerStop(ctx, h.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("sandbox: stop container %s: %w", h.ContainerID, err)
	}
	return nil
}

// Remove stops and removes the sandboxed container.
func (a *Adapter) Remove(ctx context.Context, h Handle) error {
	_ = a.Stop(ctx, h)
	if err := a.client.ContainerRemove(ctx, h.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("sandbox: remove container: %w", err)
		}
	}
	return nil
}

// List returns handles for all agentgate-managed sandbox containers.
func (a *Adapter) List(ctx context.Context) ([]Handle, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: list containers: %w", err)
	}
	handles := make([]Handle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, Handle{
			Name:          c.Labels[labelTool],
			ContainerID:   c.ID,
			ContainerName: name,
		})
	}
	return handles, nil
}

// ExecCommand returns the "docker exec -i <container> <command> <args...>"
// argv a broker should launch in place of a bare host command, so the
// subprocess runs inside the sandbox container but still speaks
// line-delimited JSON-RPC over its own stdin/stdout.
func ExecCommand(h Handle, command string, args []string) (string, []string) {
	argv := append([]string{"exec", "-i", h.ContainerID, command}, args...)
	return "docker", argv
}
