package store

import "strings"

// 定义 Key 的前缀 (Schema Design)
const (
	KeyPrefix    = "/fleet/"
	VPNKeyPrefix = KeyPrefix + "vpn/"
	DHTPeersKey  = KeyPrefix + "dht/peers"
)

// BootstrapClaimKey 每个网络纪元只有一个选举记录
func BootstrapClaimKey(epoch string) string {
	return VPNKeyPrefix + sanitize(epoch) + "/claim"
}

func BootstrapConfigKey(epoch string) string {
	return VPNKeyPrefix + sanitize(epoch) + "/config"
}

func EntryPointsKey(epoch string) string {
	return VPNKeyPrefix + sanitize(epoch) + "/entry-points"
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	return strings.ReplaceAll(s, "/", "_")
}
