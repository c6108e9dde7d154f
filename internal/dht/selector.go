package dht

import (
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"titan/pkg/fleeterr"
	"titan/pkg/model"
)

const (
	// 只在负载最低的几个候选里挑
	loadShortlist = 3
	// 负载差在该范围内视为相同，随机打散
	loadEpsilon = 0.05
)

// gpuRank GPU 型号的偏好，数字越大越好，没匹配上的为 0
var gpuRank = []struct {
	match string
	rank  int
}{
	{"H100", 3}, {"A100", 3},
	{"4090", 2}, {"3090", 2},
	{"A10", 1}, {"L4", 1}, {"T4", 1}, {"4080", 1}, {"3080", 1}, {"V100", 1},
}

func gpuDesirability(gpuType string) int {
	t := strings.ToUpper(gpuType)
	for _, g := range gpuRank {
		if strings.Contains(t, g.match) {
			return g.rank
		}
	}
	return 0
}

// Selector 从 DHT 候选里挑一个 worker
type Selector struct {
	StaleAfter time.Duration
	Catalog    *model.Catalog
	// 为 nil 时用 time.Now
	Now func() time.Time
	// 为 nil 时用全局随机源
	Intn func(n int) int
}

func (s *Selector) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Selector) intn(n int) int {
	if s.Intn != nil {
		return s.Intn(n)
	}
	return rand.IntN(n)
}

// Fresh 过滤掉太久没刷新的候选
func (s *Selector) Fresh(candidates []model.WorkerInfo) []model.WorkerInfo {
	if s.StaleAfter <= 0 {
		return candidates
	}
	now := s.now()
	var out []model.WorkerInfo
	for _, c := range candidates {
		if now.Sub(c.LastSeen) <= s.StaleAfter {
			out = append(out, c)
		}
	}
	return out
}

// Select 有负载数据时选负载最低的；否则 GPU 服务按型号偏好；都没有则随机
func (s *Selector) Select(service model.ServiceName, candidates []model.WorkerInfo) (*model.WorkerInfo, error) {
	fresh := s.Fresh(candidates)
	if len(fresh) == 0 {
		return nil, fleeterr.NotFound("select worker", "no fresh worker for %s", service)
	}

	var loaded []model.WorkerInfo
	for _, c := range fresh {
		if c.Load != nil {
			loaded = append(loaded, c)
		}
	}
	if len(loaded) > 0 {
		return s.leastLoaded(loaded), nil
	}

	if s.isGPUService(service) {
		return s.bestGPU(fresh), nil
	}
	pick := fresh[s.intn(len(fresh))]
	return &pick, nil
}

func (s *Selector) leastLoaded(cands []model.WorkerInfo) *model.WorkerInfo {
	sort.SliceStable(cands, func(i, j int) bool { return *cands[i].Load < *cands[j].Load })
	if len(cands) > loadShortlist {
		cands = cands[:loadShortlist]
	}
	lowest := *cands[0].Load
	ties := 1
	for ties < len(cands) && *cands[ties].Load-lowest <= loadEpsilon {
		ties++
	}
	pick := cands[s.intn(ties)]
	return &pick
}

func (s *Selector) bestGPU(cands []model.WorkerInfo) *model.WorkerInfo {
	best := -1
	var top []model.WorkerInfo
	for _, c := range cands {
		r := gpuDesirability(c.Capabilities.GPUType)
		switch {
		case r > best:
			best, top = r, []model.WorkerInfo{c}
		case r == best:
			top = append(top, c)
		}
	}
	pick := top[s.intn(len(top))]
	return &pick
}

func (s *Selector) isGPUService(name model.ServiceName) bool {
	cat := s.Catalog
	if cat == nil {
		cat = model.DefaultCatalog()
	}
	e, err := cat.Lookup(name)
	return err == nil && e.Tier == model.TierGPU
}
