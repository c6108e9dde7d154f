package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"titan/pkg/model"
)

type SweepResult struct {
	Staled  []string
	Removed []string
}

// Sweep 健康状态机推进一次：
// healthy/degraded --(> StaleAfter 无心跳)--> stale --(> EvictAfter)--> 删除
// 状态只会向前走，回到 healthy 只能靠心跳
func (r *Registry) Sweep() SweepResult {
	now := r.opts.Now()
	var res SweepResult

	r.mu.Lock()
	for _, w := range r.workers {
		age := now.Sub(w.LastHeartbeat)
		switch {
		case age > r.opts.EvictAfter:
			r.removeLocked(w)
			res.Removed = append(res.Removed, w.ID)
		case age > r.opts.StaleAfter && (w.Status == model.WorkerHealthy || w.Status == model.WorkerDegraded):
			w.Status = model.WorkerStale
			res.Staled = append(res.Staled, w.ID)
		}
	}

	changed := len(res.Staled) > 0 || len(res.Removed) > 0 || r.dirty
	var (
		data []byte
		gen  uint64
		err  error
	)
	if changed {
		data, gen, err = r.snapshotLocked()
		r.dirty = false
	}
	r.mu.Unlock()

	for _, id := range res.Staled {
		r.log.Warn("worker stale", zap.String("worker_id", id))
	}
	for _, id := range res.Removed {
		r.log.Warn("worker evicted", zap.String("worker_id", id))
	}
	if changed && err == nil {
		r.save(data, gen)
	}
	return res
}

// Monitor 后台健康巡检，固定间隔调用 Sweep
type Monitor struct {
	reg      *Registry
	interval time.Duration
	log      *zap.Logger
}

func NewMonitor(reg *Registry, interval time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{reg: reg, interval: interval, log: log.With(zap.String("component", "health-monitor"))}
}

// Run 阻塞直到 ctx 被取消
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("health monitor started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ticker.C:
			res := m.reg.Sweep()
			if len(res.Staled)+len(res.Removed) > 0 {
				m.log.Info("sweep finished", zap.Int("staled", len(res.Staled)), zap.Int("removed", len(res.Removed)))
			}
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return
		}
	}
}
