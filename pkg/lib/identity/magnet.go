package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// 磁力链接格式常量
const (
	// MagnetPrefix 磁力链接前缀
	MagnetPrefix = "magnet:?"

	// MagnetXT 身份磁力链接的 exact topic 值
	MagnetXT = "urn:identity:v1"

	paramXT      = "xt"
	paramSecpPub = "secp256k1pub"
	paramEdPub   = "ed25519pub"
	paramEth     = "eth"
)

// ErrInvalidMagnet 磁力链接不合法
//
// 缺少必需参数、hex 格式错误或密钥长度错误都包装此错误返回。
var ErrInvalidMagnet = errors.New("invalid magnet link")

// EncodeMagnet 将公开身份编码为磁力链接
//
// 形如：
//
//	magnet:?xt=urn:identity:v1&secp256k1pub=04...&ed25519pub=...&eth=0x...
//
// 参数按名称排序输出，值经过百分号转义。
// 解码端接受任意参数顺序，编码顺序不构成格式承诺。
func EncodeMagnet(pub *PublicIdentity) string {
	v := url.Values{}
	v.Set(paramXT, MagnetXT)
	v.Set(paramSecpPub, hex.EncodeToString(pub.Secp256k1Pub))
	v.Set(paramEdPub, hex.EncodeToString(pub.Ed25519Pub))
	v.Set(paramEth, pub.EthAddr)
	return MagnetPrefix + v.Encode()
}

// DecodeMagnet 解析磁力链接为公开身份
//
// 解析是严格的：
//   - 必须以 magnet:? 开头且 xt 为 urn:identity:v1
//   - secp256k1pub 必须是 130 字符 hex、04 开头且为有效曲线点
//   - ed25519pub 必须是 64 字符 hex
//   - eth 必须是 0x 前缀的 40 字符 hex
//
// 无法识别的参数会被忽略，以兼容将来的扩展。
func DecodeMagnet(link string) (*PublicIdentity, error) {
	rest, ok := strings.CutPrefix(link, MagnetPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidMagnet, MagnetPrefix)
	}

	values, err := url.ParseQuery(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMagnet, err)
	}

	if xt := values.Get(paramXT); xt != MagnetXT {
		return nil, fmt.Errorf("%w: xt must be %q, got %q", ErrInvalidMagnet, MagnetXT, xt)
	}

	secpPub, err := decodeSecpParam(values.Get(paramSecpPub))
	if err != nil {
		return nil, err
	}

	edPub, err := decodeEdParam(values.Get(paramEdPub))
	if err != nil {
		return nil, err
	}

	ethAddr, err := decodeEthParam(values.Get(paramEth))
	if err != nil {
		return nil, err
	}

	return &PublicIdentity{
		Secp256k1Pub: secpPub,
		Ed25519Pub:   edPub,
		EthAddr:      ethAddr,
	}, nil
}

func decodeSecpParam(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing parameter %q", ErrInvalidMagnet, paramSecpPub)
	}
	if len(s) != SecpPubUncompressedLen*2 {
		return nil, fmt.Errorf("%w: %s must be %d hex chars, got %d",
			ErrInvalidMagnet, paramSecpPub, SecpPubUncompressedLen*2, len(s))
	}
	if !strings.HasPrefix(s, "04") {
		return nil, fmt.Errorf("%w: %s must be an uncompressed key starting with 04", ErrInvalidMagnet, paramSecpPub)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid hex: %v", ErrInvalidMagnet, paramSecpPub, err)
	}
	if _, err := secp256k1.ParsePubKey(raw); err != nil {
		return nil, fmt.Errorf("%w: %s is not a valid secp256k1 point: %v", ErrInvalidMagnet, paramSecpPub, err)
	}
	return raw, nil
}

func decodeEdParam(s string) (ed25519.PublicKey, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing parameter %q", ErrInvalidMagnet, paramEdPub)
	}
	if len(s) != Ed25519PubLen*2 {
		return nil, fmt.Errorf("%w: %s must be %d hex chars, got %d",
			ErrInvalidMagnet, paramEdPub, Ed25519PubLen*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid hex: %v", ErrInvalidMagnet, paramEdPub, err)
	}
	return ed25519.PublicKey(raw), nil
}

func decodeEthParam(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: missing parameter %q", ErrInvalidMagnet, paramEth)
	}
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return "", fmt.Errorf("%w: %s must be a 0x-prefixed 40 hex char address", ErrInvalidMagnet, paramEth)
	}
	norm := strings.ToLower(s)
	if _, err := hex.DecodeString(norm[2:]); err != nil {
		return "", fmt.Errorf("%w: %s is not valid hex: %v", ErrInvalidMagnet, paramEth, err)
	}
	return norm, nil
}
