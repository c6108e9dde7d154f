package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tunnel 把本地端口暴露出去，返回外部可访问的 URL
type Tunnel interface {
	Start(ctx context.Context, localPort int) (string, error)
	Stop() error
}

// StaticTunnel 外部已经配好的地址 (反向代理、端口映射)
type StaticTunnel struct {
	URL string
}

func (s StaticTunnel) Start(ctx context.Context, localPort int) (string, error) {
	if s.URL == "" {
		return "", fmt.Errorf("static tunnel has no url")
	}
	return s.URL, nil
}

func (StaticTunnel) Stop() error { return nil }

// DirectTunnel 不开隧道，直接用本机地址
type DirectTunnel struct {
	Host string
}

func (d DirectTunnel) Start(ctx context.Context, localPort int) (string, error) {
	host := d.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, localPort), nil
}

func (DirectTunnel) Stop() error { return nil }

var quickTunnelURL = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// CloudflaredTunnel 启动 cloudflared quick tunnel，从输出里解析 URL
type CloudflaredTunnel struct {
	Binary  string
	Timeout time.Duration
	Log     *zap.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

func (c *CloudflaredTunnel) Start(ctx context.Context, localPort int) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = "cloudflared"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("cloudflared not installed: %w", err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}

	// 进程生命周期跟 agent 一致，不绑定到启动用的 ctx
	cmd := exec.Command(bin, "tunnel", "--no-autoupdate", "--url", fmt.Sprintf("http://localhost:%d", localPort))
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start cloudflared: %w", err)
	}
	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	found := make(chan string, 1)
	go scanTunnelURL(stderr, found)

	select {
	case url, ok := <-found:
		if !ok {
			c.Stop()
			return "", fmt.Errorf("cloudflared exited before publishing a url")
		}
		log.Info("tunnel established", zap.String("url", url))
		return url, nil
	case <-time.After(timeout):
		c.Stop()
		return "", fmt.Errorf("cloudflared did not publish a url within %s", timeout)
	case <-ctx.Done():
		c.Stop()
		return "", ctx.Err()
	}
}

// scanTunnelURL 找到第一个 URL 后继续读完输出，避免子进程阻塞在管道上
func scanTunnelURL(r io.Reader, found chan<- string) {
	scanner := bufio.NewScanner(r)
	sent := false
	for scanner.Scan() {
		if sent {
			continue
		}
		if url := quickTunnelURL.FindString(scanner.Text()); url != "" {
			found <- url
			sent = true
		}
	}
	if !sent {
		close(found)
	}
}

func (c *CloudflaredTunnel) Stop() error {
	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	cmd.Process.Kill()
	cmd.Wait()
	return nil
}
