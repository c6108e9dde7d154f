package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"titan/pkg/fleeterr"
	"titan/pkg/model"
)

const defaultJobPath = "/jobs"

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var job model.BroadcastJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	results, err := s.Broadcast(r.Context(), job)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "results": results})
}

// Broadcast 把任务扇出给所有能力匹配的 healthy worker (默认 tier <= 2)
func (s *Server) Broadcast(ctx context.Context, job model.BroadcastJob) ([]model.BroadcastResult, error) {
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.MaxTier == model.TierUnknown {
		job.MaxTier = model.TierCPU
	}
	if job.Path == "" {
		job.Path = defaultJobPath
	}
	if !strings.HasPrefix(job.Path, "/") {
		job.Path = "/" + job.Path
	}

	var targets []*model.Worker
	for _, wk := range s.reg.ListHealthy(model.TierUnknown) {
		if wk.Tier <= job.MaxTier && wk.Capabilities.Satisfies(job.Require) {
			targets = append(targets, wk)
		}
	}
	if len(targets) == 0 {
		return nil, fleeterr.NotFound("broadcast", "no healthy worker matches tier<=%d", job.MaxTier)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	// 每个 goroutine 只写自己的下标
	results := make([]model.BroadcastResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BroadcastConcurrency)
	for i, wk := range targets {
		i, wk := i, wk
		g.Go(func() error {
			results[i] = s.sendJob(gctx, wk, job.Path, body)
			// 单个 worker 失败不影响其他 worker
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("job broadcast", zap.String("job_id", job.ID), zap.Int("targets", len(targets)))
	return results, nil
}

func (s *Server) sendJob(ctx context.Context, wk *model.Worker, path string, body []byte) model.BroadcastResult {
	res := model.BroadcastResult{WorkerID: wk.ID}
	endpoint := wk.Endpoint()
	if endpoint == "" {
		res.Error = "worker has no reachable endpoint"
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.BroadcastTimeout)
	defer cancel()

	url := strings.TrimRight(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	res.Status = resp.StatusCode
	if resp.StatusCode >= 300 {
		res.Error = fmt.Sprintf("worker responded %s", resp.Status)
	}
	return res
}
