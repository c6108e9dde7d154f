package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"

	"titan/pkg/fleeterr"
	"titan/pkg/model"
	"titan/pkg/store"
)

type Options struct {
	WorkerID   string
	Epoch      string
	Network    string
	ListenPort int
	SignerPort int
	// 本机可被公网访问的地址，没有则为空
	PublicAddr string
	Groups     []string

	MaxAttempts   int
	Backoff       time.Duration
	SignTimeout   time.Duration
	VerifyTimeout time.Duration
	// 单次共享存储调用的上限，默认 store.DefaultTimeout
	KVTimeout     time.Duration

	HTTPClient *http.Client
	Now        func() time.Time
	// 为 nil 时按 ctx 真实等待
	Sleep func(ctx context.Context, d time.Duration) error
}

// CAFactory anchor 当选后才创建 CA
type CAFactory func(ctx context.Context) (CertAuthority, error)

// Result 入网结果
type Result struct {
	Anchor  bool
	Address netip.Prefix
	Config  model.BootstrapConfig
}

// Bootstrapper 选举 anchor 并加入 overlay 网络
type Bootstrapper struct {
	kv      store.KV
	overlay Overlay
	newCA   CAFactory
	opts    Options
	log     *zap.Logger

	signer *SignerServer
}

func NewBootstrapper(kv store.KV, overlay Overlay, newCA CAFactory, opts Options, log *zap.Logger) *Bootstrapper {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	if opts.SignTimeout <= 0 {
		opts.SignTimeout = 15 * time.Second
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 20 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Bootstrapper{
		kv:      store.WithTimeout(kv, opts.KVTimeout),
		overlay: overlay,
		newCA:   newCA,
		opts:    opts,
		log:     log.With(zap.String("component", "vpn"), zap.String("epoch", opts.Epoch)),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Join 抢占引导记录：成功则成为 anchor，否则作为普通成员加入
func (b *Bootstrapper) Join(ctx context.Context) (*Result, error) {
	network, err := ParseNetwork(b.opts.Network)
	if err != nil {
		return nil, fleeterr.Fatal("vpn join", err)
	}

	claim := model.BootstrapClaim{WorkerID: b.opts.WorkerID, Epoch: b.opts.Epoch, ClaimedAt: b.opts.Now()}
	won, err := store.PutJSONIfNotExists(ctx, b.kv, store.BootstrapClaimKey(b.opts.Epoch), claim)
	if err != nil {
		return nil, fleeterr.Transient("vpn claim", err)
	}

	var res *Result
	if won {
		b.log.Info("won bootstrap election, becoming anchor", zap.String("worker_id", b.opts.WorkerID))
		res, err = b.runAnchor(ctx, network)
	} else {
		b.log.Info("bootstrap already claimed, joining as member")
		res, err = b.runJoiner(ctx, network)
	}
	if err != nil {
		return nil, err
	}

	if b.opts.PublicAddr != "" {
		ep := EntryPoint(res.Address.Addr(), b.opts.PublicAddr, b.opts.ListenPort)
		if _, err := b.kv.AppendUnique(ctx, store.EntryPointsKey(b.opts.Epoch), ep); err != nil {
			b.log.Warn("failed to register entry point", zap.Error(err))
		}
	}
	return res, nil
}

// ---------------------------------------------------------
// anchor
// ---------------------------------------------------------

func (b *Bootstrapper) runAnchor(ctx context.Context, network netip.Prefix) (*Result, error) {
	res, err := b.startAnchor(ctx, network)
	if err != nil {
		// 让出选举记录，下一个启动的 worker 可以接手
		b.log.Error("anchor startup failed, releasing claim", zap.Error(err))
		b.shutdownSigner()
		_ = b.overlay.Stop()
		_ = b.kv.Delete(ctx, store.BootstrapConfigKey(b.opts.Epoch))
		_ = b.kv.Delete(ctx, store.BootstrapClaimKey(b.opts.Epoch))
		return nil, err
	}
	return res, nil
}

func (b *Bootstrapper) startAnchor(ctx context.Context, network netip.Prefix) (*Result, error) {
	addr, err := AddressAt(network, model.FirstHostIndex)
	if err != nil {
		return nil, err
	}
	cfg := model.BootstrapConfig{
		Epoch:            b.opts.Epoch,
		AnchorID:         b.opts.WorkerID,
		AnchorOverlayIP:  addr.Addr().String(),
		AnchorPort:       b.opts.ListenPort,
		AnchorPublicAddr: b.opts.PublicAddr,
		SignerPort:       b.opts.SignerPort,
		Network:          network.String(),
		NextAddress:      model.FirstHostIndex + 1,
		Status:           model.VPNInitializing,
		UpdatedAt:        b.opts.Now(),
	}
	cfgKey := store.BootstrapConfigKey(b.opts.Epoch)
	if err := store.PutJSON(ctx, b.kv, cfgKey, cfg); err != nil {
		return nil, fleeterr.Transient("write bootstrap config", err)
	}

	ca, err := b.newCA(ctx)
	if err != nil {
		return nil, fmt.Errorf("create certificate authority: %w", err)
	}
	signer := NewSigner(ca, network, b.opts.Groups, b.log)
	if err := signer.Reserve(b.opts.WorkerID, addr.Addr()); err != nil {
		return nil, err
	}
	id, err := ca.Issue(ctx, b.opts.WorkerID, addr, b.opts.Groups)
	if err != nil {
		return nil, fmt.Errorf("issue anchor identity: %w", err)
	}

	spec := OverlaySpec{
		Name:        b.opts.WorkerID,
		Address:     addr,
		CACert:      ca.CACert(),
		Cert:        id.Cert,
		Key:         id.Key,
		Lighthouse:  true,
		ListenPort:  b.opts.ListenPort,
		StaticHosts: map[string][]string{},
	}
	if err := b.startOverlay(ctx, spec); err != nil {
		return nil, err
	}

	srv, err := StartSigner(net.JoinHostPort("", strconv.Itoa(b.opts.SignerPort)), signer)
	if err != nil {
		return nil, err
	}
	b.signer = srv
	if cfg.SignerPort == 0 {
		_, port, _ := net.SplitHostPort(srv.Addr())
		cfg.SignerPort, _ = strconv.Atoi(port)
	}

	cfg.CACert = string(ca.CACert())
	cfg.Status = model.VPNActive
	cfg.UpdatedAt = b.opts.Now()
	if err := store.PutJSON(ctx, b.kv, cfgKey, cfg); err != nil {
		return nil, fleeterr.Transient("activate bootstrap config", err)
	}
	b.log.Info("overlay anchor active", zap.String("addr", addr.String()), zap.Int("signer_port", cfg.SignerPort))
	return &Result{Anchor: true, Address: addr, Config: cfg}, nil
}

// ---------------------------------------------------------
// joiner
// ---------------------------------------------------------

func (b *Bootstrapper) runJoiner(ctx context.Context, network netip.Prefix) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := b.opts.Sleep(ctx, b.opts.Backoff); err != nil {
				return nil, err
			}
		}
		cfg, err := b.waitActive(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		res, err := b.joinOnce(ctx, network, cfg)
		if err == nil {
			return res, nil
		}
		lastErr = err
		b.log.Warn("overlay join attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		// 地址空间耗尽重试也没用
		if errors.Is(err, fleeterr.ErrInvariant) && !errors.Is(err, errSignRefused) {
			break
		}
	}
	return nil, fleeterr.Fatal("vpn join", fmt.Errorf("giving up after %d attempts: %w", b.opts.MaxAttempts, lastErr))
}

var errSignRefused = errors.New("signer refused request")

// waitActive 轮询共享存储直到 anchor 把配置标记为 active
func (b *Bootstrapper) waitActive(ctx context.Context) (*model.BootstrapConfig, error) {
	key := store.BootstrapConfigKey(b.opts.Epoch)
	for i := 0; i < b.opts.MaxAttempts; i++ {
		if i > 0 {
			if err := b.opts.Sleep(ctx, b.opts.Backoff); err != nil {
				return nil, err
			}
		}
		var cfg model.BootstrapConfig
		err := store.GetJSON(ctx, b.kv, key, &cfg)
		if err == nil && cfg.Status == model.VPNActive {
			return &cfg, nil
		}
		if err != nil && !errors.Is(err, fleeterr.ErrNotFound) {
			b.log.Debug("bootstrap config read failed", zap.Error(err))
		}
	}
	return nil, fleeterr.Transient("wait bootstrap config", errors.New("anchor not active yet"))
}

func (b *Bootstrapper) joinOnce(ctx context.Context, network netip.Prefix, cfg *model.BootstrapConfig) (*Result, error) {
	if cfg.Network != network.String() {
		return nil, fleeterr.Invariant("vpn join", "network mismatch: local %s, anchor %s", network, cfg.Network)
	}

	// 原子自增，返回值为自增后的值，本次拿到的是自增前的下标
	next, err := b.kv.Increment(ctx, store.BootstrapConfigKey(b.opts.Epoch), model.NextAddressField)
	if err != nil {
		return nil, fleeterr.Transient("allocate address", err)
	}
	addr, err := AddressAt(network, next-1)
	if err != nil {
		return nil, err
	}
	b.log.Info("overlay address allocated", zap.String("addr", addr.String()))

	resp, err := b.requestIdentity(ctx, cfg, addr)
	if err != nil {
		return nil, err
	}
	if resp.CACertificate != cfg.CACert {
		return nil, fleeterr.Invariant("vpn join", "signer CA does not match bootstrap config")
	}

	entryPoints, err := b.kv.GetList(ctx, store.EntryPointsKey(b.opts.Epoch))
	if err != nil {
		b.log.Warn("failed to read entry points", zap.Error(err))
	}
	anchor, _ := netip.ParseAddr(cfg.AnchorOverlayIP)
	spec := OverlaySpec{
		Name:           b.opts.WorkerID,
		Address:        addr,
		CACert:         []byte(resp.CACertificate),
		Cert:           []byte(resp.Certificate),
		Key:            []byte(resp.PrivateKeyMaterial),
		LighthouseAddr: anchor,
		StaticHosts:    staticHosts(anchor, cfg.AnchorPublicAddr, cfg.AnchorPort, entryPoints),
	}
	if b.opts.PublicAddr != "" {
		spec.AmRelay = true
		spec.ListenPort = b.opts.ListenPort
	}
	if err := b.startOverlay(ctx, spec); err != nil {
		return nil, err
	}
	return &Result{Address: addr, Config: *cfg}, nil
}

// requestIdentity 先走 anchor 公网地址，再走 overlay 地址
func (b *Bootstrapper) requestIdentity(ctx context.Context, cfg *model.BootstrapConfig, addr netip.Prefix) (*model.SignResponse, error) {
	req := model.SignRequest{WorkerName: b.opts.WorkerID, RequestedAddress: addr.String(), Groups: b.opts.Groups}
	var lastErr error
	for _, base := range signerCandidates(cfg) {
		sctx, cancel := context.WithTimeout(ctx, b.opts.SignTimeout)
		resp, err := RequestIdentity(sctx, b.opts.HTTPClient, base, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, fleeterr.ErrInvariant) {
			return nil, fmt.Errorf("%w: %w", errSignRefused, err)
		}
		lastErr = err
		b.log.Warn("signer unreachable", zap.String("url", base), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = errors.New("no signer address known")
	}
	return nil, fleeterr.Transient("request identity", lastErr)
}

func signerCandidates(cfg *model.BootstrapConfig) []string {
	port := strconv.Itoa(cfg.SignerPort)
	var out []string
	if cfg.AnchorPublicAddr != "" {
		host := cfg.AnchorPublicAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		out = append(out, "http://"+net.JoinHostPort(host, port))
	}
	if cfg.AnchorOverlayIP != "" {
		out = append(out, "http://"+net.JoinHostPort(cfg.AnchorOverlayIP, port))
	}
	return out
}

// startOverlay 启动并验证，验证失败时拆除
func (b *Bootstrapper) startOverlay(ctx context.Context, spec OverlaySpec) error {
	if err := b.overlay.Start(ctx, spec); err != nil {
		return err
	}
	vctx, cancel := context.WithTimeout(ctx, b.opts.VerifyTimeout)
	defer cancel()
	if err := b.overlay.Verify(vctx); err != nil {
		_ = b.overlay.Stop()
		return fmt.Errorf("overlay verification failed: %w", err)
	}
	return nil
}

func (b *Bootstrapper) shutdownSigner() {
	if b.signer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.signer.Shutdown(ctx)
	b.signer = nil
}

// Close 停止签发服务和 overlay 进程
func (b *Bootstrapper) Close() error {
	b.shutdownSigner()
	return b.overlay.Stop()
}

// SignerAddr anchor 上签发服务的实际监听地址，非 anchor 为空
func (b *Bootstrapper) SignerAddr() string {
	if b.signer == nil {
		return ""
	}
	return b.signer.Addr()
}
