package registry

import (
	"sort"

	"titan/pkg/model"
)

const maxServicesPerWorker = 3

// candidate 一个可分配的服务及其当前覆盖度
type candidate struct {
	entry    model.CatalogEntry
	coverage int
}

// assignLocked 贪心 gap 分配：给新 worker 挑覆盖最差的 1~3 个服务
// 同样的注册表快照一定得到同样的结果
func (r *Registry) assignLocked(tier model.Tier) []model.ServiceDescriptor {
	// Step 1: Filter - 只保留 tier 匹配的服务
	candidates := r.filterServices(tier)
	if len(candidates) == 0 {
		return nil
	}

	// Step 2: Score - 覆盖少的在前，覆盖相同看优先级
	r.scoreServices(candidates)

	// Step 3: 决定分几个
	n := r.assignmentCount(tier, len(candidates))

	out := make([]model.ServiceDescriptor, 0, n)
	for _, c := range candidates[:n] {
		out = append(out, c.entry.Descriptor())
	}
	return out
}

// filterServices 遍历目录，返回 tier 匹配的服务以及当前 healthy 提供者数
func (r *Registry) filterServices(tier model.Tier) []candidate {
	var out []candidate
	for _, e := range r.catalog.ForTier(tier) {
		out = append(out, candidate{entry: e, coverage: r.healthyCoverageLocked(e.Name)})
	}
	return out
}

// scoreServices 按 (覆盖数, 优先级, 名字) 升序排列，名字保证稳定
func (r *Registry) scoreServices(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].coverage != cs[j].coverage {
			return cs[i].coverage < cs[j].coverage
		}
		if cs[i].entry.Priority != cs[j].entry.Priority {
			return cs[i].entry.Priority < cs[j].entry.Priority
		}
		return cs[i].entry.Name < cs[j].entry.Name
	})
}

// assignmentCount
//   - GPU 节点只分一个：模型加载这类昂贵预热不应该在每个节点上重复
//   - 同 tier worker 数 >= 可选服务数：专精，一个
//   - worker 稀缺：多租户，最多三个
func (r *Registry) assignmentCount(tier model.Tier, eligible int) int {
	if tier == model.TierGPU || r.healthyInTierLocked(tier) >= eligible {
		return 1
	}
	if eligible < maxServicesPerWorker {
		return eligible
	}
	return maxServicesPerWorker
}

func (r *Registry) healthyCoverageLocked(name model.ServiceName) int {
	n := 0
	for id := range r.index[name] {
		if w := r.workers[id]; w != nil && w.Status == model.WorkerHealthy {
			n++
		}
	}
	return n
}

func (r *Registry) healthyInTierLocked(tier model.Tier) int {
	n := 0
	for _, w := range r.workers {
		if w.Tier == tier && w.Status == model.WorkerHealthy {
			n++
		}
	}
	return n
}
