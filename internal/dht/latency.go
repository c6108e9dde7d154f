package dht

import (
	"sync"
	"time"
)

const latencyWindow = 10

type ring struct {
	samples [latencyWindow]time.Duration
	next    int
	n       int
}

// LatencyTracker 按 worker 记录最近几次请求耗时
type LatencyTracker struct {
	mu    sync.Mutex
	rings map[string]*ring
}

func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{rings: map[string]*ring{}}
}

func (l *LatencyTracker) Record(workerID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rings[workerID]
	if !ok {
		r = &ring{}
		l.rings[workerID] = r
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % latencyWindow
	if r.n < latencyWindow {
		r.n++
	}
}

// Avg 没有样本时返回 0
func (l *LatencyTracker) Avg(workerID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rings[workerID]
	if !ok || r.n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.n; i++ {
		sum += r.samples[i]
	}
	return sum / time.Duration(r.n)
}

func (l *LatencyTracker) Workers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.rings))
	for id := range l.rings {
		ids = append(ids, id)
	}
	return ids
}
