// Package identity 实现统一加密身份
//
// 一个身份由两对密钥组成：secp256k1 密钥对与 ed25519 密钥对。
// 五种传输的地址都从这两对密钥确定性派生：
//
//   - Ethereum 地址（xmtp）：keccak256(未压缩公钥去掉首字节) 的后 20 字节
//   - Nostr 公钥（nostr）：未压缩公钥的 X 坐标（32 字节 hex）
//   - 通用发布订阅标识（waku/mqtt）：未压缩公钥的完整 hex（130 字符）
//   - 节点 ID（iroh）：ed25519 公钥 hex（64 字符）
//
// 身份的可打印形式是磁力链接（见 magnet.go），可在任何聊天界面中
// 作为单行 ASCII 文本传递。
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"

	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// 错误定义
var (
	// ErrInvalidKeyLength 密钥长度不合法
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrUnknownProtocol 未知的传输协议
	ErrUnknownProtocol = errors.New("unknown protocol")
)

// 密钥尺寸常量
const (
	// SecpPubUncompressedLen 未压缩 secp256k1 公钥长度（0x04 前缀 + X + Y）
	SecpPubUncompressedLen = 65

	// Ed25519PubLen ed25519 公钥长度
	Ed25519PubLen = ed25519.PublicKeySize
)

// ============================================================================
//                              PublicIdentity
// ============================================================================

// PublicIdentity 身份的公开部分
//
// 解码对端磁力链接得到的就是 PublicIdentity，
// 它携带向对端寻址所需的全部信息。
type PublicIdentity struct {
	// Secp256k1Pub 未压缩 secp256k1 公钥（65 字节，0x04 开头）
	Secp256k1Pub []byte

	// Ed25519Pub ed25519 公钥（32 字节）
	Ed25519Pub ed25519.PublicKey

	// EthAddr 规范化小写 0x 前缀 Ethereum 地址
	EthAddr string
}

// EthAddress 返回 Ethereum 地址（xmtp 寻址）
func (p *PublicIdentity) EthAddress() string {
	return p.EthAddr
}

// NostrPubKey 返回 Nostr 公钥（X 坐标的 32 字节 hex）
func (p *PublicIdentity) NostrPubKey() string {
	return hex.EncodeToString(p.Secp256k1Pub[1:33])
}

// PubSubID 返回通用发布订阅标识（未压缩公钥完整 hex，130 字符）
func (p *PublicIdentity) PubSubID() string {
	return hex.EncodeToString(p.Secp256k1Pub)
}

// IrohNodeID 返回 iroh 节点 ID（ed25519 公钥 hex，64 字符）
func (p *PublicIdentity) IrohNodeID() string {
	return hex.EncodeToString(p.Ed25519Pub)
}

// AddressFor 返回指定传输上的地址
func (p *PublicIdentity) AddressFor(proto types.Protocol) (string, error) {
	switch proto {
	case types.ProtocolXMTP:
		return p.EthAddress(), nil
	case types.ProtocolNostr:
		return p.NostrPubKey(), nil
	case types.ProtocolWaku, types.ProtocolMQTT:
		return p.PubSubID(), nil
	case types.ProtocolIroh:
		return p.IrohNodeID(), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownProtocol, proto)
	}
}

// Equal 比较两个公开身份是否相同
func (p *PublicIdentity) Equal(other *PublicIdentity) bool {
	if other == nil {
		return false
	}
	return hex.EncodeToString(p.Secp256k1Pub) == hex.EncodeToString(other.Secp256k1Pub) &&
		p.Ed25519Pub.Equal(other.Ed25519Pub)
}

// ============================================================================
//                              Identity
// ============================================================================

// Identity 完整身份（含私钥），不可变
//
// 每个用户只创建一次，由外部的 profile 存储持久化（见 keyfile.go）。
type Identity struct {
	secp *secp256k1.PrivateKey
	ed   ed25519.PrivateKey
	pub  PublicIdentity
}

// Generate 生成新身份
func Generate() (*Identity, error) {
	secpPriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}

	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	return build(secpPriv, edPriv, edPub), nil
}

// FromSeeds 从两个私钥种子恢复身份
//
// 参数：
//   - secpKey: secp256k1 私钥（32 字节）
//   - edSeed: ed25519 种子（32 字节）
//
// 派生完全确定：同样的种子在任何机器上得到同一身份。
func FromSeeds(secpKey, edSeed []byte) (*Identity, error) {
	if len(secpKey) != 32 {
		return nil, fmt.Errorf("%w: secp256k1 key must be 32 bytes, got %d", ErrInvalidKeyLength, len(secpKey))
	}
	if len(edSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: ed25519 seed must be %d bytes, got %d", ErrInvalidKeyLength, ed25519.SeedSize, len(edSeed))
	}

	secpPriv := secp256k1.PrivKeyFromBytes(secpKey)
	edPriv := ed25519.NewKeyFromSeed(edSeed)
	edPub := edPriv.Public().(ed25519.PublicKey)

	return build(secpPriv, edPriv, edPub), nil
}

func build(secpPriv *secp256k1.PrivateKey, edPriv ed25519.PrivateKey, edPub ed25519.PublicKey) *Identity {
	uncompressed := secpPriv.PubKey().SerializeUncompressed()
	return &Identity{
		secp: secpPriv,
		ed:   edPriv,
		pub: PublicIdentity{
			Secp256k1Pub: uncompressed,
			Ed25519Pub:   edPub,
			EthAddr:      EthAddressFromPub(uncompressed),
		},
	}
}

// Public 返回公开部分
func (id *Identity) Public() *PublicIdentity {
	return &id.pub
}

// SecpPrivHex 返回 secp256k1 私钥 hex（Nostr 事件签名、NIP-04 与
// xmtp 数据库密钥派生需要）
func (id *Identity) SecpPrivHex() string {
	return hex.EncodeToString(id.secp.Serialize())
}

// SecpPriv 返回 secp256k1 私钥
func (id *Identity) SecpPriv() *secp256k1.PrivateKey {
	return id.secp
}

// Ed25519Priv 返回 ed25519 私钥（iroh TLS 证书与 libp2p 主机身份需要）
func (id *Identity) Ed25519Priv() ed25519.PrivateKey {
	return id.ed
}

// MagnetLink 返回身份的磁力链接（见 magnet.go）
func (id *Identity) MagnetLink() string {
	return EncodeMagnet(&id.pub)
}

// ============================================================================
//                              地址派生
// ============================================================================

// EthAddressFromPub 从未压缩 secp256k1 公钥派生 Ethereum 地址
//
// 规则：keccak256(pub[1:]) 的后 20 字节，小写 0x 前缀 hex。
func EthAddressFromPub(uncompressed []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}
