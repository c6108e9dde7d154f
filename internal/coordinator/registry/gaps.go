package registry

import "titan/pkg/model"

// AnalyzeGaps 每个目录服务的 healthy 覆盖度
// 0 个提供者 critical，低于 MinReplicas warning
func (r *Registry) AnalyzeGaps() []model.Gap {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.catalog.Entries()
	out := make([]model.Gap, 0, len(entries))
	for _, e := range entries {
		cov := r.healthyCoverageLocked(e.Name)
		status := model.GapOK
		switch {
		case cov == 0:
			status = model.GapCritical
		case cov < e.MinReplicas:
			status = model.GapWarning
		}
		out = append(out, model.Gap{
			Service:         e.Name,
			Tier:            e.Tier,
			Priority:        e.Priority,
			CurrentCoverage: cov,
			Status:          status,
		})
	}
	return out
}
