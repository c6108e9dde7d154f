package vpn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"titan/pkg/fleeterr"
	"titan/pkg/httpx"
	"titan/pkg/model"
)

// Signer anchor 上的证书签发服务。同一地址只签给同一个名字
type Signer struct {
	ca      CertAuthority
	network netip.Prefix
	groups  []string
	log     *zap.Logger

	mu     sync.Mutex
	issued map[netip.Addr]string
}

func NewSigner(ca CertAuthority, network netip.Prefix, groups []string, log *zap.Logger) *Signer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Signer{
		ca:      ca,
		network: network,
		groups:  groups,
		log:     log.With(zap.String("component", "signer")),
		issued:  map[netip.Addr]string{},
	}
}

// Reserve 标记 addr 已属于 name (anchor 启动时给自己用)
func (s *Signer) Reserve(name string, addr netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.issued[addr]; ok && owner != name {
		return fleeterr.Invariant("reserve address", "%s already issued to %s", addr, owner)
	}
	s.issued[addr] = name
	return nil
}

// Sign 为请求的地址签发身份。地址已签给别的名字时拒绝，
// 同名重试 (例如上一次响应丢了) 会重新签发
func (s *Signer) Sign(ctx context.Context, req model.SignRequest) (*model.SignResponse, error) {
	if req.WorkerName == "" {
		return nil, fleeterr.Invariant("sign", "worker_name is required")
	}
	prefix, err := hostAddress(s.network, req.RequestedAddress)
	if err != nil {
		return nil, fleeterr.Invariant("sign", "%v", err)
	}
	if err := s.Reserve(req.WorkerName, prefix.Addr()); err != nil {
		s.log.Error("refusing duplicate overlay address",
			zap.String("addr", prefix.Addr().String()), zap.String("worker", req.WorkerName))
		return nil, err
	}

	groups := req.Groups
	if len(groups) == 0 {
		groups = s.groups
	}
	id, err := s.ca.Issue(ctx, req.WorkerName, prefix, groups)
	if err != nil {
		// 签发失败释放地址，调用方会换一个地址重试
		s.mu.Lock()
		delete(s.issued, prefix.Addr())
		s.mu.Unlock()
		return nil, fmt.Errorf("issue certificate: %w", err)
	}
	s.log.Info("certificate issued", zap.String("worker", req.WorkerName), zap.String("addr", prefix.String()))
	return &model.SignResponse{
		Certificate:        string(id.Cert),
		PrivateKeyMaterial: string(id.Key),
		CACertificate:      string(s.ca.CACert()),
	}, nil
}

func (s *Signer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/sign", s.handleSign)
	return r
}

func (s *Signer) handleSign(w http.ResponseWriter, r *http.Request) {
	var req model.SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	resp, err := s.Sign(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// SignerServer 在 anchor 上后台运行的 HTTP 服务
type SignerServer struct {
	srv *http.Server
	ln  net.Listener
}

func StartSigner(addr string, s *Signer) (*SignerServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fleeterr.Fatal("start signer", err)
	}
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("signer stopped", zap.Error(err))
		}
	}()
	s.log.Info("signing service listening", zap.String("addr", ln.Addr().String()))
	return &SignerServer{srv: srv, ln: ln}, nil
}

func (ss *SignerServer) Addr() string { return ss.ln.Addr().String() }

func (ss *SignerServer) Shutdown(ctx context.Context) error {
	return ss.srv.Shutdown(ctx)
}

// RequestIdentity 向 baseURL 上的签发服务申请证书
func RequestIdentity(ctx context.Context, client *http.Client, baseURL string, req model.SignRequest) (*model.SignResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(baseURL, "/") + "/sign"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, fleeterr.Transient("sign", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, httpx.DecodeError("sign", resp)
	}
	var out model.SignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
