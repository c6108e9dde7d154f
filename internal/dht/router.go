package dht

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"titan/pkg/fleeterr"
	"titan/pkg/httpx"
	"titan/pkg/model"
)

// Response 路由结果
type Response struct {
	WorkerID       string `json:"worker_id"`
	StatusCode     int    `json:"status_code"`
	Body           []byte `json:"body,omitempty"`
	ViaCoordinator bool   `json:"via_coordinator"`
}

// Metrics 路由计数快照
type Metrics struct {
	Requests    int64 `json:"requests"`
	DHTRouted   int64 `json:"dht_routed"`
	Fallbacks   int64 `json:"fallbacks"`
	Failures    int64 `json:"failures"`
	CacheMisses int64 `json:"cache_misses"`
}

type counters struct {
	requests, dhtRouted, fallbacks, failures, cacheMisses atomic.Int64
}

// Router 先按 DHT 直连，失败后向协调器要一个提供者再试一次
type Router struct {
	client         *Client
	coordinatorURL string
	http           *http.Client
	latency        *LatencyTracker
	log            *zap.Logger
	stats          counters
}

func NewRouter(client *Client, coordinatorURL string, httpClient *http.Client, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRouteTimeout}
	}
	return &Router{
		client:         client,
		coordinatorURL: strings.TrimRight(coordinatorURL, "/"),
		http:           httpClient,
		latency:        NewLatencyTracker(),
		log:            log.With(zap.String("component", "router")),
	}
}

// DefaultRouteTimeout timeout<=0 时整次路由 (查找+回退+发送) 的上限
const DefaultRouteTimeout = 30 * time.Second

// RouteRequest 把请求发给提供 service 的某个 worker，路径为 /svc/<service><endpoint>。
// timeout 覆盖整次调用，包括 DHT 查找和协调器回退
func (r *Router) RouteRequest(ctx context.Context, service model.ServiceName, endpoint, method string, payload any, timeout time.Duration) (*Response, error) {
	r.stats.requests.Add(1)
	if timeout <= 0 {
		timeout = DefaultRouteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if method == "" {
		method = http.MethodPost
	}
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	failed := ""
	if r.client != nil {
		target, err := r.client.FindWorkerForService(ctx, service, true)
		if err == nil && target.TunnelURL != "" {
			resp, err := r.send(ctx, target.WorkerID, target.TunnelURL, service, endpoint, method, body)
			if err == nil {
				r.stats.dhtRouted.Add(1)
				return resp, nil
			}
			failed = target.WorkerID
			r.client.Invalidate(service)
			r.log.Warn("dht route failed, falling back to coordinator",
				zap.String("service", string(service)), zap.String("worker_id", target.WorkerID), zap.Error(err))
		} else {
			r.stats.cacheMisses.Add(1)
		}
	}

	r.stats.fallbacks.Add(1)
	wk, err := r.coordinatorPick(ctx, service, failed)
	if err != nil {
		r.stats.failures.Add(1)
		return nil, err
	}
	resp, err := r.send(ctx, wk.ID, wk.Endpoint(), service, endpoint, method, body)
	if err != nil {
		r.stats.failures.Add(1)
		return nil, err
	}
	resp.ViaCoordinator = true
	return resp, nil
}

func (r *Router) coordinatorPick(ctx context.Context, service model.ServiceName, exclude string) (*model.Worker, error) {
	if r.coordinatorURL == "" {
		return nil, fleeterr.NotFound("route", "no provider for %s", service)
	}
	url := fmt.Sprintf("%s/services/%s/workers", r.coordinatorURL, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fleeterr.Transient("route", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, httpx.DecodeError("route", resp)
	}
	var providers []*model.Worker
	if err := json.NewDecoder(resp.Body).Decode(&providers); err != nil {
		return nil, err
	}
	// 协调器已按负载排好序
	var fallback *model.Worker
	for _, p := range providers {
		if p.Endpoint() == "" {
			continue
		}
		if p.ID != exclude {
			return p, nil
		}
		fallback = p
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fleeterr.NotFound("route", "no reachable provider for %s", service)
}

func (r *Router) send(ctx context.Context, workerID, base string, service model.ServiceName, endpoint, method string, body []byte) (*Response, error) {
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	url := strings.TrimRight(base, "/") + "/svc/" + string(service) + endpoint

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fleeterr.Transient("route "+workerID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fleeterr.Transient("route "+workerID, err)
	}
	r.latency.Record(workerID, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fleeterr.Transient("route "+workerID, fmt.Errorf("worker responded %s", resp.Status))
	}
	return &Response{WorkerID: workerID, StatusCode: resp.StatusCode, Body: data}, nil
}

// AvgLatency 最近 10 次请求的平均耗时
func (r *Router) AvgLatency(workerID string) time.Duration {
	return r.latency.Avg(workerID)
}

// Latencies 每个访问过的 worker 的平均耗时，单位毫秒
func (r *Router) Latencies() map[string]float64 {
	out := map[string]float64{}
	for _, id := range r.latency.Workers() {
		out[id] = float64(r.latency.Avg(id)) / float64(time.Millisecond)
	}
	return out
}

func (r *Router) Metrics() Metrics {
	return Metrics{
		Requests:    r.stats.requests.Load(),
		DHTRouted:   r.stats.dhtRouted.Load(),
		Fallbacks:   r.stats.fallbacks.Load(),
		Failures:    r.stats.failures.Load(),
		CacheMisses: r.stats.cacheMisses.Load(),
	}
}
