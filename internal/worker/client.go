package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"titan/pkg/fleeterr"
	"titan/pkg/httpx"
	"titan/pkg/model"
)

// Coordinator agent 对协调器的全部调用
type Coordinator interface {
	Register(ctx context.Context, req model.RegisterRequest) (*model.RegisterResponse, error)
	Heartbeat(ctx context.Context, req model.HeartbeatRequest) error
	Unregister(ctx context.Context, id string) error
}

// CoordinatorClient 协调器控制面的 HTTP 客户端，每次调用都带超时
type CoordinatorClient struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

func NewCoordinatorClient(baseURL string, httpClient *http.Client, timeout time.Duration) *CoordinatorClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoordinatorClient{base: strings.TrimRight(baseURL, "/"), http: httpClient, timeout: timeout}
}

func (c *CoordinatorClient) Register(ctx context.Context, req model.RegisterRequest) (*model.RegisterResponse, error) {
	var out model.RegisterResponse
	if err := c.do(ctx, "register", http.MethodPost, "/worker/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CoordinatorClient) Heartbeat(ctx context.Context, req model.HeartbeatRequest) error {
	return c.do(ctx, "heartbeat", http.MethodPost, "/worker/heartbeat", req, nil)
}

func (c *CoordinatorClient) Unregister(ctx context.Context, id string) error {
	return c.do(ctx, "unregister", http.MethodDelete, "/worker/"+id, nil, nil)
}

// Ping 测一次到协调器的往返时间
func (c *CoordinatorClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.do(ctx, "ping", http.MethodGet, "/health", nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *CoordinatorClient) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fleeterr.Transient(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpx.DecodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fleeterr.Transient(op, err)
	}
	return nil
}
