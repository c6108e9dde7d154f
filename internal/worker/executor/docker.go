package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"titan/pkg/model"
)

// Handle 一个已启动的服务容器
type Handle struct {
	Service     model.ServiceName `json:"service"`
	ContainerID string            `json:"container_id"`
	Port        int               `json:"port"`
	StartedAt   time.Time         `json:"started_at"`
}

// Launcher 启动和停止分配给本机的服务
type Launcher interface {
	Start(ctx context.Context, svc model.ServiceDescriptor) (*Handle, error)
	Running(ctx context.Context, h *Handle) (bool, error)
	// Stop 先优雅停止，超过 grace 后强制结束
	Stop(ctx context.Context, h *Handle, grace time.Duration) error
}

const labelService = "fleet.service"

type DockerLauncher struct {
	cli     *client.Client
	network string
	pull    bool
	log     *zap.Logger
}

// NewDockerLauncher 自动从环境变量或默认路径连接本地 Docker
func NewDockerLauncher(network string, pull bool, log *zap.Logger) (*DockerLauncher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerLauncher{cli: cli, network: network, pull: pull, log: log.With(zap.String("component", "docker"))}, nil
}

func containerName(name model.ServiceName) string {
	return "fleet-" + string(name)
}

func (d *DockerLauncher) Start(ctx context.Context, svc model.ServiceDescriptor) (*Handle, error) {
	if svc.Image == "" {
		return nil, fmt.Errorf("service %s has no image", svc.Name)
	}

	// 1. 拉取镜像
	if d.pull {
		reader, err := d.cli.ImagePull(ctx, svc.Image, types.ImagePullOptions{})
		if err != nil {
			return nil, fmt.Errorf("pull %s: %w", svc.Image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	// 2. 清掉上次遗留的同名容器
	name := containerName(svc.Name)
	if err := d.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		d.log.Warn("failed to remove stale container", zap.String("container", name), zap.Error(err))
	}

	// 3. 创建容器，端口只绑定到本机，外部经由 agent 代理访问
	port, err := nat.NewPort("tcp", strconv.Itoa(svc.Port))
	if err != nil {
		return nil, err
	}
	cfg := &container.Config{
		Image:        svc.Image,
		Env:          envList(svc.Env, svc.Port),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{labelService: string(svc.Name)},
	}
	hostCfg := &container.HostConfig{
		PortBindings:  nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(svc.Port)}}},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	if d.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.network)
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container for %s: %w", svc.Name, err)
	}

	// 4. 启动
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		d.cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("start container for %s: %w", svc.Name, err)
	}
	d.log.Info("service container started",
		zap.String("service", string(svc.Name)), zap.String("container", shortID(resp.ID)), zap.Int("port", svc.Port))
	return &Handle{Service: svc.Name, ContainerID: resp.ID, Port: svc.Port, StartedAt: time.Now()}, nil
}

func (d *DockerLauncher) Running(ctx context.Context, h *Handle) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, h.ContainerID)
	if client.IsErrNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

func (d *DockerLauncher) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, h.ContainerID, container.StopOptions{Timeout: &secs}); err != nil && !client.IsErrNotFound(err) {
		d.log.Warn("graceful stop failed, forcing removal", zap.String("service", string(h.Service)), zap.Error(err))
	}
	// 像 defer 垃圾回收一样清理容器
	if err := d.cli.ContainerRemove(ctx, h.ContainerID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return err
	}
	d.log.Info("service container stopped", zap.String("service", string(h.Service)))
	return nil
}

// Logs 取容器最近的输出，stdcopy 把多路复用流拆开写入同一个 buffer
func (d *DockerLauncher) Logs(ctx context.Context, h *Handle, tail int) (string, error) {
	out, err := d.cli.ContainerLogs(ctx, h.ContainerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", err
	}
	defer out.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, out); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (d *DockerLauncher) Close() error {
	return d.cli.Close()
}

func envList(env map[string]string, port int) []string {
	out := make([]string, 0, len(env)+1)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	if _, ok := env["PORT"]; !ok {
		out = append(out, "PORT="+strconv.Itoa(port))
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
