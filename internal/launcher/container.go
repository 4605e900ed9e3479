package launcher

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tabmux/tabmux/pkg/models"
)

const chromeImage = "browserless/chrome:latest"

var (
	dockerOnce sync.Once
	dockerCli  *client.Client
	dockerErr  error
)

func (l *Launcher) dockerClient() (*client.Client, error) {
	dockerOnce.Do(func() {
		dockerCli, dockerErr = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	})
	if dockerErr != nil {
		return nil, fmt.Errorf("create docker client: %w", dockerErr)
	}
	return dockerCli, nil
}

// launchContainer runs the browser in a container instead of a local
// process. The profile directory is bind-mounted so cookie sync still
// applies.
func (l *Launcher) launchContainer(ctx context.Context, opts Options, rec models.ProfileRecord) (*Browser, error) {
	cli, err := l.dockerClient()
	if err != nil {
		return nil, err
	}
	if err := l.ensureImage(ctx, cli); err != nil {
		return nil, err
	}

	launchID := uuid.NewString()[:8]
	containerConfig := &container.Config{
		Image: chromeImage,
		Labels: map[string]string{
			"managed-by": "tabmux",
			"launch-id":  launchID,
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
		},
		ExposedPorts: nat.PortSet{"3000/tcp": struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: rec.Dir,
			Target: "/data",
		}},
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "tabmux-"+launchID)
	if err != nil {
		return nil, fmt.Errorf("create browser container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start browser container: %w", err)
	}

	inspect, err := cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = l.stopContainer(ctx, resp.ID)
		return nil, fmt.Errorf("inspect browser container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		_ = l.stopContainer(ctx, resp.ID)
		return nil, fmt.Errorf("browser container exposed no debugging port")
	}

	b := &Browser{
		Endpoint:    fmt.Sprintf("http://127.0.0.1:%s", bindings[0].HostPort),
		Profile:     rec,
		containerID: resp.ID,
	}
	if err := waitForReady(ctx, b.Endpoint); err != nil {
		_ = l.stopContainer(ctx, resp.ID)
		return nil, fmt.Errorf("containerized browser failed to become ready: %w", err)
	}

	l.log.Info("browser container started",
		zap.String("container", resp.ID[:12]),
		zap.String("endpoint", b.Endpoint))
	return b, nil
}

func (l *Launcher) stopContainer(ctx context.Context, containerID string) error {
	cli, err := l.dockerClient()
	if err != nil {
		return err
	}
	timeout := 10
	if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop browser container: %w", err)
	}
	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("remove browser container: %w", err)
	}
	return nil
}

func (l *Launcher) ensureImage(ctx context.Context, cli *client.Client) error {
	images, err := cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == chromeImage {
				return nil
			}
		}
	}

	l.log.Info("pulling browser image", zap.String("image", chromeImage))
	reader, err := cli.ImagePull(ctx, chromeImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", chromeImage, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}
