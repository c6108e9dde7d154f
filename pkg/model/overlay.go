package model

import "time"

// VPNStatus 引导配置状态
type VPNStatus string

const (
	VPNInitializing VPNStatus = "initializing"
	VPNActive       VPNStatus = "active"
)

// FirstHostIndex anchor 自己占用网段内第一个地址，计数器从 2 开始
const FirstHostIndex = 1

// BootstrapClaim 选举记录，谁 "create if absent" 成功谁就是 anchor
type BootstrapClaim struct {
	WorkerID  string    `json:"worker_id"`
	Epoch     string    `json:"epoch"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// BootstrapConfig 存放在共享存储里的公开引导信息
// CA 私钥永远不离开 anchor 节点
type BootstrapConfig struct {
	Epoch            string    `json:"epoch"`
	AnchorID         string    `json:"anchor_id"`
	CACert           string    `json:"ca_cert"`
	AnchorOverlayIP  string    `json:"anchor_overlay_ip"`
	AnchorPort       int       `json:"anchor_port"`
	AnchorPublicAddr string    `json:"anchor_public_addr,omitempty"`
	SignerPort       int       `json:"signer_port"`
	Network          string    `json:"network"`
	// 唯一可变字段：只能通过共享存储的原子自增修改
	NextAddress int64     `json:"next_address"`
	Status      VPNStatus `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NextAddressField Increment 使用的 JSON 字段名
const NextAddressField = "next_address"

// SignRequest POST /sign
type SignRequest struct {
	WorkerName       string   `json:"worker_name"`
	RequestedAddress string   `json:"requested_address"`
	Groups           []string `json:"groups,omitempty"`
}

// SignResponse 证书与私钥均为 PEM
type SignResponse struct {
	Certificate        string `json:"certificate"`
	PrivateKeyMaterial string `json:"private_key_material"`
	CACertificate      string `json:"ca_certificate"`
}
