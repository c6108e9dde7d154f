package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"titan/pkg/fleeterr"
	"titan/pkg/model"
)

type Options struct {
	// DataDir 为空时只在内存中运行
	DataDir    string
	Catalog    *model.Catalog
	StaleAfter time.Duration
	EvictAfter time.Duration

	// 测试注入
	Now   func() time.Time
	NewID func() string
}

// Registry 协调器的 worker 注册表
//
// mu 只保护内存里的 map，从不跨越磁盘写或网络调用；
// 快照在锁内序列化，落盘由 persister 在锁外串行完成。
type Registry struct {
	opts    Options
	catalog *model.Catalog
	log     *zap.Logger

	mu      sync.Mutex
	workers map[string]*model.Worker
	// service -> worker id 集合
	index map[model.ServiceName]map[string]struct{}
	gen   uint64
	dirty bool

	persist *persister
}

func New(opts Options, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Catalog == nil {
		opts.Catalog = model.DefaultCatalog()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "worker-" + uuid.NewString()[:8] }
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 90 * time.Second
	}
	if opts.EvictAfter <= opts.StaleAfter {
		opts.EvictAfter = opts.StaleAfter + 30*time.Second
	}

	r := &Registry{
		opts:    opts,
		catalog: opts.Catalog,
		log:     log.With(zap.String("component", "registry")),
		workers: make(map[string]*model.Worker),
		index:   make(map[model.ServiceName]map[string]struct{}),
	}

	if opts.DataDir != "" {
		r.persist = newPersister(opts.DataDir, r.log)
		workers, err := r.persist.load()
		if err != nil {
			return nil, err
		}
		for id, w := range workers {
			w.ID = id
			r.workers[id] = w
			r.indexAddLocked(w)
		}
		if len(workers) > 0 {
			r.log.Info("restored registry snapshot", zap.Int("workers", len(workers)))
		}
	}
	return r, nil
}

// Close 最后落一次盘
func (r *Registry) Close() error {
	r.mu.Lock()
	data, gen, err := r.snapshotLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.save(data, gen)
	return nil
}

func (r *Registry) Catalog() *model.Catalog { return r.catalog }

// Register 计算 tier、执行 gap 分配、保存并落盘
func (r *Registry) Register(req model.RegisterRequest) (*model.Worker, error) {
	now := r.opts.Now()
	tier := model.DetermineTier(req.Capabilities)

	r.mu.Lock()
	id := r.allocateIDLocked(req.ID)
	services := r.assignLocked(tier)
	for _, s := range services {
		entry, err := r.catalog.Lookup(s.Name)
		if err != nil || entry.Tier != tier {
			r.mu.Unlock()
			return nil, fleeterr.Invariant("register", "service %s does not match tier %v", s.Name, tier)
		}
	}

	w := &model.Worker{
		ID:               id,
		Hostname:         req.Hostname,
		Capabilities:     req.Capabilities,
		Tier:             tier,
		AssignedServices: services,
		Status:           model.WorkerHealthy,
		LastHeartbeat:    now,
		RegisteredAt:     now,
		TunnelURL:        req.Reachability.TunnelURL,
		OverlayAddress:   req.Reachability.OverlayAddress,
		PublicIP:         req.Reachability.PublicIP,
	}
	r.workers[id] = w
	r.indexAddLocked(w)
	out := w.Clone()
	data, gen, err := r.snapshotLocked()
	r.mu.Unlock()

	r.log.Info("worker registered",
		zap.String("worker_id", id),
		zap.Stringer("tier", tier),
		zap.Any("services", out.ServiceNames()))

	if err == nil {
		r.save(data, gen)
	}
	return out, nil
}

// allocateIDLocked 协调器是 id 的权威来源：空 id 生成新的，冲突时改名
func (r *Registry) allocateIDLocked(requested string) string {
	if requested == "" {
		requested = r.opts.NewID()
	}
	id := requested
	for {
		if _, taken := r.workers[id]; !taken {
			return id
		}
		id = requested + "-" + uuid.NewString()[:4]
	}
}

// Heartbeat 只更新可变字段，不重新分级也不重新分配
func (r *Registry) Heartbeat(req model.HeartbeatRequest) (*model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[req.ID]
	if !ok {
		return nil, fleeterr.NotFound("heartbeat", "worker %s not registered", req.ID)
	}

	w.LastHeartbeat = r.opts.Now()
	// 任何心跳都会把状态拉回 healthy，除非 worker 自己报告降级/下线
	switch req.Status {
	case model.WorkerDegraded, model.WorkerOffline:
		w.Status = req.Status
	default:
		w.Status = model.WorkerHealthy
	}
	w.CurrentLoad = clampLoad(req.Load)
	if req.TasksCompleted > w.TasksCompleted {
		w.TasksCompleted = req.TasksCompleted
	}
	if req.ServiceStatus != nil {
		w.ServiceStatus = req.ServiceStatus
	}
	if req.TunnelURL != "" {
		w.TunnelURL = req.TunnelURL
	}
	if req.OverlayAddress != "" {
		w.OverlayAddress = req.OverlayAddress
	}
	r.dirty = true
	return w.Clone(), nil
}

func clampLoad(l float64) float64 {
	switch {
	case l < 0:
		return 0
	case l > 1:
		return 1
	default:
		return l
	}
}

// Unregister 幂等：不存在的 id 直接返回 false
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(w)
	data, gen, err := r.snapshotLocked()
	r.mu.Unlock()

	r.log.Info("worker unregistered", zap.String("worker_id", id))
	if err == nil {
		r.save(data, gen)
	}
	return true
}

func (r *Registry) removeLocked(w *model.Worker) {
	delete(r.workers, w.ID)
	for _, s := range w.AssignedServices {
		if ids, ok := r.index[s.Name]; ok {
			delete(ids, w.ID)
			if len(ids) == 0 {
				delete(r.index, s.Name)
			}
		}
	}
}

func (r *Registry) indexAddLocked(w *model.Worker) {
	for _, s := range w.AssignedServices {
		ids, ok := r.index[s.Name]
		if !ok {
			ids = make(map[string]struct{})
			r.index[s.Name] = ids
		}
		ids[w.ID] = struct{}{}
	}
}

func (r *Registry) Get(id string) (*model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fleeterr.NotFound("get worker", "worker %s not registered", id)
	}
	return w.Clone(), nil
}

// List 全部 worker (含 stale)，按 id 排序
func (r *Registry) List() []*model.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Clone())
	}
	sortWorkers(out)
	return out
}

// ListHealthy tier 为 TierUnknown 时返回所有 tier
func (r *Registry) ListHealthy(tier model.Tier) []*model.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Worker
	for _, w := range r.workers {
		if w.Status != model.WorkerHealthy {
			continue
		}
		if tier != model.TierUnknown && w.Tier != tier {
			continue
		}
		out = append(out, w.Clone())
	}
	sortWorkers(out)
	return out
}

// ProvidersOf 提供某服务的 healthy worker，负载低的在前
func (r *Registry) ProvidersOf(name model.ServiceName) ([]*model.Worker, error) {
	if _, err := r.catalog.Lookup(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	var out []*model.Worker
	for id := range r.index[name] {
		if w := r.workers[id]; w != nil && w.Status == model.WorkerHealthy {
			out = append(out, w.Clone())
		}
	}
	r.mu.Unlock()

	if len(out) == 0 {
		return nil, fleeterr.NotFound("providers", "no healthy worker provides %s", name)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentLoad != out[j].CurrentLoad {
			return out[i].CurrentLoad < out[j].CurrentLoad
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Services 服务 -> worker id 索引的快照
func (r *Registry) Services() map[model.ServiceName][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.ServiceName][]string, len(r.index))
	for name, ids := range r.index {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		out[name] = list
	}
	return out
}

func sortWorkers(ws []*model.Worker) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
}
