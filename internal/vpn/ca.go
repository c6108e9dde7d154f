package vpn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"titan/pkg/fleeterr"
)

// Identity 签发给某个节点的证书和私钥 (PEM)
type Identity struct {
	Cert []byte
	Key  []byte
}

// CertAuthority overlay 网络的信任根，只存在于 anchor 节点上
type CertAuthority interface {
	// CACert 公开的 CA 证书 (PEM)
	CACert() []byte
	// Issue 签发绑定 addr 的身份
	Issue(ctx context.Context, name string, addr netip.Prefix, groups []string) (*Identity, error)
}

const defaultCAValidity = 365 * 24 * time.Hour

// ---------------------------------------------------------
// 进程内 x509 CA
// ---------------------------------------------------------

// BuiltinCA ed25519 + x509，用于 external overlay (接口由外部管理)
type BuiltinCA struct {
	cert    *x509.Certificate
	certPEM []byte
	key     ed25519.PrivateKey
	serial  int64
	mu      sync.Mutex
}

func NewBuiltinCA(name string, validity time.Duration) (*BuiltinCA, error) {
	if validity <= 0 {
		validity = defaultCAValidity
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &BuiltinCA{
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		key:     priv,
		serial:  1,
	}, nil
}

func (c *BuiltinCA) CACert() []byte { return c.certPEM }

func (c *BuiltinCA) Issue(ctx context.Context, name string, addr netip.Prefix, groups []string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.serial++
	serial := c.serial
	c.mu.Unlock()

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name, OrganizationalUnit: groups},
		IPAddresses:  []net.IP{net.IP(addr.Addr().AsSlice())},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     c.cert.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.cert, pub, c.key)
	if err != nil {
		return nil, fmt.Errorf("signing certificate for %s: %w", name, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Cert: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// VerifyIdentity 校验证书链到 caPEM，并且证书绑定的地址是 addr
func VerifyIdentity(caPEM, certPEM []byte, addr netip.Addr) error {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return errors.New("invalid CA certificate")
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return errors.New("invalid certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return err
	}
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return err
	}
	for _, ip := range cert.IPAddresses {
		if a, ok := netip.AddrFromSlice(ip); ok && a.Unmap() == addr {
			return nil
		}
	}
	return fmt.Errorf("certificate not bound to %s", addr)
}

// ---------------------------------------------------------
// nebula-cert CLI
// ---------------------------------------------------------

// Runner 执行外部命令，测试里替换
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// NebulaCertCA 包装 nebula-cert 命令行，CA 私钥留在 dir 下
type NebulaCertCA struct {
	binary string
	dir    string
	run    Runner
	caPEM  []byte
	mu     sync.Mutex
}

func NewNebulaCertCA(ctx context.Context, binary, dir, name string, run Runner) (*NebulaCertCA, error) {
	if run == nil {
		if _, err := exec.LookPath(binary); err != nil {
			return nil, fleeterr.Fatal("nebula-cert", err)
		}
		run = execRunner
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	crt, key := filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
	// 重启后沿用已有 CA
	if _, err := os.Stat(crt); errors.Is(err, os.ErrNotExist) {
		if _, err := run(ctx, binary, "ca", "-name", name, "-out-crt", crt, "-out-key", key); err != nil {
			return nil, fleeterr.Fatal("nebula-cert ca", err)
		}
	}
	caPEM, err := os.ReadFile(crt)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	return &NebulaCertCA{binary: binary, dir: dir, run: run, caPEM: caPEM}, nil
}

func (n *NebulaCertCA) CACert() []byte { return n.caPEM }

func (n *NebulaCertCA) Issue(ctx context.Context, name string, addr netip.Prefix, groups []string) (*Identity, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tmp, err := os.MkdirTemp(n.dir, "issue-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	crt, key := filepath.Join(tmp, "host.crt"), filepath.Join(tmp, "host.key")
	args := []string{"sign",
		"-ca-crt", filepath.Join(n.dir, "ca.crt"),
		"-ca-key", filepath.Join(n.dir, "ca.key"),
		"-name", name,
		"-ip", addr.String(),
		"-out-crt", crt,
		"-out-key", key,
	}
	if len(groups) > 0 {
		args = append(args, "-groups", strings.Join(groups, ","))
	}
	if _, err := n.run(ctx, n.binary, args...); err != nil {
		return nil, err
	}
	id := &Identity{}
	if id.Cert, err = os.ReadFile(crt); err != nil {
		return nil, err
	}
	if id.Key, err = os.ReadFile(key); err != nil {
		return nil, err
	}
	return id, nil
}
