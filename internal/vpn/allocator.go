package vpn

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"titan/pkg/fleeterr"
)

// ParseNetwork 解析 overlay 网段，只支持 IPv4
func ParseNetwork(cidr string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid overlay network %q: %w", cidr, err)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("overlay network %q is not IPv4", cidr)
	}
	if p.Bits() > 30 {
		return netip.Prefix{}, fmt.Errorf("overlay network %q is too small", cidr)
	}
	return p.Masked(), nil
}

// Capacity 可分配的主机地址数 (不含网络地址和广播地址)
func Capacity(network netip.Prefix) int64 {
	return int64(1)<<(32-network.Bits()) - 2
}

// AddressAt 网段内第 index 个主机地址，index 从 1 开始。
// 返回的前缀带网段掩码，可直接写进证书
func AddressAt(network netip.Prefix, index int64) (netip.Prefix, error) {
	if index < 1 || index > Capacity(network) {
		return netip.Prefix{}, fleeterr.Invariant("allocate address",
			"index %d outside %s (capacity %d)", index, network, Capacity(network))
	}
	base := network.Masked().Addr().As4()
	n := binary.BigEndian.Uint32(base[:]) + uint32(index)
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], n)
	return netip.PrefixFrom(netip.AddrFrom4(out), network.Bits()), nil
}

// hostAddress 校验 addr 是 network 内可用的主机地址
func hostAddress(network netip.Prefix, raw string) (netip.Prefix, error) {
	var addr netip.Addr
	if p, err := netip.ParsePrefix(raw); err == nil {
		addr = p.Addr()
	} else if a, err := netip.ParseAddr(raw); err == nil {
		addr = a
	} else {
		return netip.Prefix{}, fmt.Errorf("invalid address %q", raw)
	}
	if !network.Contains(addr) {
		return netip.Prefix{}, fmt.Errorf("address %s outside %s", addr, network)
	}
	base := network.Masked().Addr().As4()
	a4 := addr.As4()
	offset := int64(binary.BigEndian.Uint32(a4[:]) - binary.BigEndian.Uint32(base[:]))
	if offset < 1 || offset > Capacity(network) {
		return netip.Prefix{}, fmt.Errorf("address %s is not a host address in %s", addr, network)
	}
	return netip.PrefixFrom(addr, network.Bits()), nil
}
