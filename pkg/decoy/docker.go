package decoy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

type containerTemplate struct {
	image string
	port  nat.Port
	cmd   []string
}

// Stock container per service. The http image is overridable because it is
// the one most deployments want branded.
var containerTemplates = map[string]containerTemplate{
	"http":   {image: "nginxdemos/hello:plain-text", port: nat.Port("80/tcp")},
	"ssh":    {image: "linuxserver/openssh-server", port: nat.Port("2222/tcp")},
	"ftp":    {image: "stilliard/pure-ftpd", port: nat.Port("21/tcp")},
	"telnet": {image: "busybox:stable", port: nat.Port("23/tcp"), cmd: []string{"telnetd", "-F"}},
	"smtp":   {image: "namshi/smtp", port: nat.Port("25/tcp")},
	"redis":  {image: "redis:7-alpine", port: nat.Port("6379/tcp")},
}

// DockerDriver runs full-service decoys as containers. Heavier than the
// emulator but indistinguishable from the real thing at the socket.
type DockerDriver struct {
	cli       *client.Client
	bindHost  string
	httpImage string
	log       zerolog.Logger
}

// NewDockerDriver connects to the local daemon via the standard environment
// (DOCKER_HOST and friends).
func NewDockerDriver(bindHost, httpImage string, log zerolog.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if bindHost == "" {
		bindHost = "127.0.0.1"
	}
	return &DockerDriver{cli: cli, bindHost: bindHost, httpImage: httpImage, log: log}, nil
}

func (d *DockerDriver) Name() string { return "docker" }

// Provision pulls the template image if needed, binds a host port from the
// service range, and starts the container. The container ID is the ref.
func (d *DockerDriver) Provision(ctx context.Context, inst *Instance) (Endpoint, string, error) {
	tmpl, ok := containerTemplates[inst.Service]
	if !ok {
		return Endpoint{}, "", fmt.Errorf("unknown decoy service %q", inst.Service)
	}
	image := tmpl.image
	if inst.Service == "http" && d.httpImage != "" {
		image = d.httpImage
	}

	hostPort, err := d.freePortInRange(inst.Service)
	if err != nil {
		return Endpoint{}, "", err
	}

	// best effort; the image may already be local
	if rc, err := d.cli.ImagePull(ctx, image, imagetypes.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, rc)
		_ = rc.Close()
	}

	labels := map[string]string{
		"shadowwall.decoy":    "1",
		"shadowwall.id":       inst.ID,
		"shadowwall.entity":   inst.EntityKey,
		"shadowwall.strategy": inst.Strategy,
	}
	pb := nat.PortMap{tmpl.port: []nat.PortBinding{{HostIP: d.bindHost, HostPort: strconv.Itoa(hostPort)}}}
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        image,
		Cmd:          tmpl.cmd,
		ExposedPorts: nat.PortSet{tmpl.port: struct{}{}},
		Labels:       labels,
	}, &container.HostConfig{
		PortBindings: pb,
		AutoRemove:   true,
	}, nil, nil, "")
	if err != nil {
		return Endpoint{}, "", fmt.Errorf("create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Endpoint{}, "", fmt.Errorf("start container: %w", err)
	}
	d.log.Info().Str("image", image).Str("container", resp.ID[:12]).
		Str("service", inst.Service).Int("port", hostPort).Msg("container decoy up")
	return Endpoint{Host: d.bindHost, Port: hostPort}, resp.ID, nil
}

// Stop halts the container; AutoRemove cleans up the rest. Already-gone
// containers are not an error.
func (d *DockerDriver) Stop(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	sec := 2
	if err := d.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &sec}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func (d *DockerDriver) freePortInRange(service string) (int, error) {
	r, ok := servicePorts[service]
	if !ok {
		return 0, fmt.Errorf("unknown decoy service %q", service)
	}
	for port := r[0]; port <= r[1]; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", d.bindHost, port))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port for %s in %d-%d", service, r[0], r[1])
}
