package dht

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"titan/pkg/fleeterr"
	"titan/pkg/httpx"
	"titan/pkg/model"
	"titan/pkg/store"
)

type ClientOptions struct {
	// 协调器地址，用于交换种子节点；为空时只用共享存储
	CoordinatorURL  string
	HTTPClient      *http.Client
	KV              store.KV
	KVTimeout       time.Duration
	RefreshInterval time.Duration
	CacheTTL        time.Duration
	StaleAfter      time.Duration
	Catalog         *model.Catalog
	Now             func() time.Time
}

type cacheEntry struct {
	candidates []model.WorkerInfo
	expires    time.Time
}

// Client worker 侧的 DHT 客户端：发布自己的存在，查找服务提供者
type Client struct {
	node     *Node
	opts     ClientOptions
	selector *Selector
	log      *zap.Logger

	mu    sync.Mutex
	self  *model.WorkerInfo
	cache map[model.ServiceName]cacheEntry
}

func NewClient(node *Node, opts ClientOptions, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.KV != nil {
		opts.KV = store.WithTimeout(opts.KV, opts.KVTimeout)
	}
	return &Client{
		node: node,
		opts: opts,
		selector: &Selector{
			StaleAfter: opts.StaleAfter,
			Catalog:    opts.Catalog,
			Now:        opts.Now,
		},
		log:   log.With(zap.String("component", "dht")),
		cache: map[model.ServiceName]cacheEntry{},
	}
}

// Connect 拉取种子节点并连接，然后把自己的地址登记上去。
// 一个种子都没有时说明自己是第一个节点，不算错误
func (c *Client) Connect(ctx context.Context) error {
	peers, err := c.fetchPeers(ctx)
	if err != nil {
		c.log.Warn("no bootstrap peers available", zap.Error(err))
	}
	n, err := c.node.Connect(ctx, peers)
	if err != nil {
		return err
	}
	c.log.Info("dht connected", zap.Int("seeds", len(peers)), zap.Int("connected", n))
	if err := c.announce(ctx, c.node.Addrs()); err != nil {
		c.log.Warn("failed to announce dht address", zap.Error(err))
	}
	return nil
}

func (c *Client) fetchPeers(ctx context.Context) ([]string, error) {
	if c.opts.CoordinatorURL != "" {
		var out model.BootstrapPeers
		err := c.call(ctx, http.MethodGet, "/dht/bootstrap", nil, &out)
		if err == nil {
			return out.Peers, nil
		}
		c.log.Debug("coordinator bootstrap lookup failed", zap.Error(err))
	}
	if c.opts.KV != nil {
		return c.opts.KV.GetList(ctx, store.DHTPeersKey)
	}
	return nil, fleeterr.NotFound("dht bootstrap", "no peer source configured")
}

func (c *Client) announce(ctx context.Context, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	if c.opts.CoordinatorURL != "" {
		err := c.call(ctx, http.MethodPost, "/dht/bootstrap", model.BootstrapPeers{Peers: addrs}, nil)
		if err == nil {
			return nil
		}
		if c.opts.KV == nil {
			return err
		}
	}
	if c.opts.KV == nil {
		return nil
	}
	for _, a := range addrs {
		if _, err := c.opts.KV.AppendUnique(ctx, store.DHTPeersKey, a); err != nil {
			return err
		}
	}
	return nil
}

// RegisterWorker 写入 worker:<id>，并把自己加进每个服务的索引
func (c *Client) RegisterWorker(ctx context.Context, info model.WorkerInfo) error {
	info.LastSeen = c.opts.Now()
	if err := c.node.Set(ctx, workerKey(info.WorkerID), info); err != nil {
		return err
	}
	for _, svc := range info.Services {
		if err := c.addToIndex(ctx, svc, info.WorkerID); err != nil {
			return err
		}
	}
	c.mu.Lock()
	self := info
	c.self = &self
	c.mu.Unlock()
	c.log.Info("registered in dht", zap.String("worker_id", info.WorkerID), zap.Int("services", len(info.Services)))
	return nil
}

// 索引是读-改-写，多个 worker 同时写同一服务时可能丢更新；
// 每次刷新都会重新加入，下一轮就补上了
func (c *Client) addToIndex(ctx context.Context, svc model.ServiceName, workerID string) error {
	idx, err := c.loadIndex(ctx, svc)
	if err != nil {
		return err
	}
	idx.Add(workerID)
	idx.UpdatedAt = c.opts.Now()
	return c.node.Set(ctx, serviceKey(svc), idx)
}

func (c *Client) loadIndex(ctx context.Context, svc model.ServiceName) (*model.ServiceIndex, error) {
	idx := &model.ServiceIndex{Service: svc}
	err := c.node.Get(ctx, serviceKey(svc), idx)
	if errors.Is(err, fleeterr.ErrNotFound) {
		return &model.ServiceIndex{Service: svc}, nil
	}
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// UpdateLoad 下一次刷新时带上新的负载
func (c *Client) UpdateLoad(load float64) {
	c.mu.Lock()
	if c.self != nil {
		l := load
		c.self.Load = &l
	}
	c.mu.Unlock()
}

// Run 定期刷新自己的记录，直到 ctx 结束
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			self := c.self
			c.mu.Unlock()
			if self == nil {
				continue
			}
			if err := c.RegisterWorker(ctx, *self); err != nil {
				c.log.Warn("dht refresh failed", zap.Error(err))
			}
		}
	}
}

// Unregister 从各服务索引里摘掉自己
func (c *Client) Unregister(ctx context.Context) error {
	c.mu.Lock()
	self := c.self
	c.self = nil
	c.mu.Unlock()
	if self == nil {
		return nil
	}
	var firstErr error
	for _, svc := range self.Services {
		idx, err := c.loadIndex(ctx, svc)
		if err == nil && idx.Remove(self.WorkerID) {
			idx.UpdatedAt = c.opts.Now()
			err = c.node.Set(ctx, serviceKey(svc), idx)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Candidates 返回服务的候选 worker，带 TTL 缓存
func (c *Client) Candidates(ctx context.Context, svc model.ServiceName) ([]model.WorkerInfo, error) {
	return c.candidates(ctx, svc, true)
}

// useCache=false 时直接读 DHT，结果仍然回填缓存
func (c *Client) candidates(ctx context.Context, svc model.ServiceName, useCache bool) ([]model.WorkerInfo, error) {
	now := c.opts.Now()
	if useCache {
		c.mu.Lock()
		if e, ok := c.cache[svc]; ok && now.Before(e.expires) {
			c.mu.Unlock()
			return e.candidates, nil
		}
		c.mu.Unlock()
	}

	idx, err := c.loadIndex(ctx, svc)
	if err != nil {
		return nil, err
	}
	var out []model.WorkerInfo
	for _, id := range idx.Workers {
		var info model.WorkerInfo
		if err := c.node.Get(ctx, workerKey(id), &info); err != nil {
			c.log.Debug("skip unresolvable worker", zap.String("worker_id", id), zap.Error(err))
			continue
		}
		out = append(out, info)
	}
	if len(out) > 0 {
		c.mu.Lock()
		c.cache[svc] = cacheEntry{candidates: out, expires: now.Add(c.opts.CacheTTL)}
		c.mu.Unlock()
	}
	return out, nil
}

// FindWorkerForService 找一个提供该服务的 worker；DHT 里没有时返回 NotFound，
// 由调用方决定是否回退到协调器。useCache=false 跳过本地缓存
func (c *Client) FindWorkerForService(ctx context.Context, svc model.ServiceName, useCache bool) (*model.WorkerInfo, error) {
	cands, err := c.candidates(ctx, svc, useCache)
	if err != nil {
		return nil, err
	}
	return c.selector.Select(svc, cands)
}

// Invalidate 丢弃某服务的缓存，路由失败后调用
func (c *Client) Invalidate(svc model.ServiceName) {
	c.mu.Lock()
	delete(c.cache, svc)
	c.mu.Unlock()
}

func (c *Client) Close() error {
	return c.node.Close()
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	url := strings.TrimRight(c.opts.CoordinatorURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fleeterr.Transient("coordinator "+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpx.DecodeError("coordinator "+path, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
