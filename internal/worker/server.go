package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"titan/pkg/fleeterr"
	"titan/pkg/httpx"
	"titan/pkg/model"
)

const routeTimeout = 30 * time.Second

// Router agent 对外的 HTTP 面：任务入口、服务代理、经 DHT 的出站调用
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Post("/jobs", a.handleJob)
	r.Handle("/svc/{service}", http.HandlerFunc(a.handleProxy))
	r.Handle("/svc/{service}/*", http.HandlerFunc(a.handleProxy))
	r.Handle("/route/{service}/*", http.HandlerFunc(a.handleRoute))
	r.Get("/router/metrics", a.handleRouterMetrics)
	return r
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	services := make(map[string]string, len(a.serviceStatus))
	for k, v := range a.serviceStatus {
		services[k] = v
	}
	body := map[string]any{
		"status":          "ok",
		"worker_id":       a.id,
		"state":           a.state,
		"tier":            a.tier.String(),
		"overlay_address": a.overlayAddr,
		"services":        services,
		"tasks_completed": a.tasksCompleted.Load(),
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, body)
}

func (a *Agent) handleJob(w http.ResponseWriter, r *http.Request) {
	var job model.BroadcastJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	n := a.tasksCompleted.Add(1)
	a.log.Info("job received", zap.String("job_id", job.ID), zap.Int64("tasks_completed", n))
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "worker_id": a.ID()})
}

// localPort 只代理分配给本机的服务
func (a *Agent) localPort(raw string) (int, error) {
	name, err := model.ParseServiceName(raw)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.assigned {
		if s.Name == name {
			return s.Port, nil
		}
	}
	return 0, fleeterr.NotFound("proxy", "service %s is not assigned to this worker", name)
}

func (a *Agent) handleProxy(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	port, err := a.localPort(service)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	target, _ := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		a.log.Warn("service proxy failed", zap.String("service", service), zap.Error(err))
		httpx.WriteError(w, fleeterr.Transient("proxy "+service, err))
	}

	prefix := "/svc/" + service
	r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
	if r.URL.Path == "" {
		r.URL.Path = "/"
	}
	r.URL.RawPath = ""
	proxy.ServeHTTP(w, r)
}

func (a *Agent) handleRoute(w http.ResponseWriter, r *http.Request) {
	if a.deps.Router == nil {
		httpx.WriteError(w, fleeterr.NotFound("route", "routing is not enabled on this worker"))
		return
	}
	name, err := model.ParseServiceName(chi.URLParam(r, "service"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var payload any
	if len(body) > 0 {
		payload = json.RawMessage(body)
	}
	endpoint := "/" + chi.URLParam(r, "*")

	resp, err := a.deps.Router.RouteRequest(r.Context(), name, endpoint, r.Method, payload, routeTimeout)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Fleet-Worker", resp.WorkerID)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (a *Agent) handleRouterMetrics(w http.ResponseWriter, r *http.Request) {
	if a.deps.Router == nil {
		httpx.WriteError(w, fleeterr.NotFound("router metrics", "routing is not enabled on this worker"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":        a.deps.Router.Metrics(),
		"avg_latency_ms": a.deps.Router.Latencies(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
