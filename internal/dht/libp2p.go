package dht

import (
	"context"
	"errors"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	kb "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"titan/pkg/fleeterr"
)

// Libp2pTransport 基于 libp2p kad-dht 的 Transport
type Libp2pTransport struct {
	log    *zap.Logger
	host   host.Host
	kdht   *kaddht.IpfsDHT
	cancel context.CancelFunc
}

func NewLibp2pTransport(ctx context.Context, listenPort int, log *zap.Logger) (*Libp2pTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	listenAddr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort))
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(libp2p.ListenAddrs(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	kctx, cancel := context.WithCancel(ctx)
	kdht, err := kaddht.New(kctx, h,
		kaddht.Mode(kaddht.ModeServer),
		kaddht.NamespacedValidator(namespace, recordValidator{}),
	)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := kdht.Bootstrap(kctx); err != nil {
		cancel()
		kdht.Close()
		h.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	log.Info("dht transport started", zap.String("peer_id", h.ID().String()))
	return &Libp2pTransport{log: log, host: h, kdht: kdht, cancel: cancel}, nil
}

func (p *Libp2pTransport) Put(ctx context.Context, key string, value []byte) error {
	err := p.kdht.PutValue(ctx, key, value)
	// 网络里只有自己时查不到更近的节点，但记录已写入本地存储
	if errors.Is(err, kb.ErrLookupFailure) {
		return nil
	}
	if err != nil {
		return fleeterr.Transient("dht put", err)
	}
	return nil
}

func (p *Libp2pTransport) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := p.kdht.GetValue(ctx, key)
	if errors.Is(err, routing.ErrNotFound) || errors.Is(err, kb.ErrLookupFailure) {
		return nil, fleeterr.NotFound("dht get", "%s", key)
	}
	if err != nil {
		return nil, fleeterr.Transient("dht get", err)
	}
	return val, nil
}

func (p *Libp2pTransport) Connect(ctx context.Context, peers []string) (int, error) {
	connected := 0
	for _, addr := range peers {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			p.log.Warn("invalid bootstrap address", zap.String("addr", addr))
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			p.log.Warn("bootstrap address has no peer id", zap.String("addr", addr))
			continue
		}
		if pi.ID == p.host.ID() {
			continue
		}
		if err := p.host.Connect(ctx, *pi); err != nil {
			p.log.Warn("failed to connect bootstrap peer", zap.String("peer", pi.ID.String()), zap.Error(err))
			continue
		}
		connected++
	}
	if connected > 0 {
		// 有了邻居之后刷新一次路由表
		<-p.kdht.ForceRefresh()
	}
	return connected, nil
}

func (p *Libp2pTransport) Addrs() []string {
	full, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: p.host.ID(), Addrs: p.host.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(full))
	for _, a := range full {
		out = append(out, a.String())
	}
	return out
}

func (p *Libp2pTransport) Close() error {
	p.cancel()
	err := p.kdht.Close()
	if herr := p.host.Close(); err == nil {
		err = herr
	}
	return err
}
