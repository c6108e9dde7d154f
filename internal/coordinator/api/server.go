package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"titan/internal/coordinator/registry"
	"titan/pkg/fleeterr"
	"titan/pkg/httpx"
	"titan/pkg/model"
	"titan/pkg/store"
)

type Options struct {
	BroadcastTimeout     time.Duration
	BroadcastConcurrency int
	// 为 nil 时使用默认 client
	HTTPClient           *http.Client
	// 单次共享存储调用的上限，默认 store.DefaultTimeout
	KVTimeout            time.Duration
}

// Server 协调器 HTTP 控制面
type Server struct {
	reg  *registry.Registry
	kv   store.KV
	opts Options
	log  *zap.Logger
}

func NewServer(reg *registry.Registry, kv store.KV, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = 10 * time.Second
	}
	if opts.BroadcastConcurrency <= 0 {
		opts.BroadcastConcurrency = 16
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if kv == nil {
		kv = store.NewMemoryKV()
	}
	return &Server{reg: reg, kv: store.WithTimeout(kv, opts.KVTimeout), opts: opts, log: log.With(zap.String("component", "api"))}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Post("/worker/register", s.handleRegister)
	r.Post("/worker/heartbeat", s.handleHeartbeat)
	r.Delete("/worker/{id}", s.handleUnregister)

	r.Get("/workers", s.handleListWorkers)
	r.Get("/services/{name}/workers", s.handleServiceWorkers)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/workers", s.handleAdminWorkers)
		r.Get("/services", s.handleAdminServices)
		r.Get("/gaps", s.handleAdminGaps)
	})

	r.Post("/broadcast-job", s.handleBroadcast)

	r.Get("/dht/bootstrap", s.handleGetBootstrapPeers)
	r.Post("/dht/bootstrap", s.handleAddBootstrapPeers)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": len(s.reg.List()),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	worker, err := s.reg.Register(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.RegisterResponse{
		ID:               worker.ID,
		Tier:             worker.Tier,
		AssignedServices: worker.AssignedServices,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req model.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if req.Status != "" {
		if _, ok := model.ParseWorkerStatus(string(req.Status)); !ok {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
	}
	worker, err := s.reg.Heartbeat(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "worker_status": worker.Status})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.reg.Unregister(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	tier := model.TierUnknown
	if raw := r.URL.Query().Get("tier"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || !model.Tier(n).Valid() {
			http.Error(w, "invalid tier", http.StatusBadRequest)
			return
		}
		tier = model.Tier(n)
	}
	workers := s.reg.ListHealthy(tier)
	if workers == nil {
		workers = []*model.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleServiceWorkers(w http.ResponseWriter, r *http.Request) {
	name, err := model.ParseServiceName(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	providers, err := s.reg.ProvidersOf(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *Server) handleAdminWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleAdminServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Services())
}

func (s *Server) handleAdminGaps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.AnalyzeGaps())
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := fleeterr.KindOf(err)
	if status := httpx.StatusFor(err); status >= 500 || kind == fleeterr.KindInvariant {
		s.log.Error("request failed", zap.Error(err), zap.Stringer("kind", kind))
	}
	httpx.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	httpx.WriteJSON(w, status, v)
}
