package iroh

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// certValidity 自签名证书有效期
const certValidity = 180 * 24 * time.Hour

// newCertificate 用身份的 ed25519 私钥签发自签名证书
//
// 证书公钥即节点身份：对端从公钥派生节点 ID，无需 CA。
func newCertificate(priv ed25519.PrivateKey) (tls.Certificate, error) {
	pub := priv.Public().(ed25519.PublicKey)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName: "broadcast-dm " + hex.EncodeToString(pub[:8]),
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// serverTLSConfig 生成监听端 TLS 配置
//
// 自签名证书没有 CA 可验，InsecureSkipVerify 配合
// VerifyPeerCertificate 回调：只接受 ed25519 证书，
// 节点 ID 一律从证书公钥派生，不可伪造。
func serverTLSConfig(priv ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := newCertificate(priv)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{alpn},
		InsecureSkipVerify:    true,
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyPeer(""),
		MinVersion:            tls.VersionTLS13,
	}, nil
}

// clientTLSConfig 生成拨号端 TLS 配置
//
// expectedNodeID 非空时钉死对端：证书公钥派生的节点 ID
// 必须与拨号目标一致。
func clientTLSConfig(priv ed25519.PrivateKey, expectedNodeID string) (*tls.Config, error) {
	cert, err := newCertificate(priv)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{alpn},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeer(expectedNodeID),
		MinVersion:            tls.VersionTLS13,
	}, nil
}

// verifyPeer 构造对端证书验证回调
//
// 验证逻辑：
//  1. 必须提供证书且公钥为 ed25519
//  2. 验证有效期
//  3. expectedNodeID 非空时，公钥派生的节点 ID 必须与其一致
func verifyPeer(expectedNodeID string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("peer provided no certificate")
		}

		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}

		nodeID, err := nodeIDFromCert(cert)
		if err != nil {
			return err
		}

		now := time.Now()
		if now.Before(cert.NotBefore) {
			return fmt.Errorf("peer certificate not yet valid: NotBefore=%v", cert.NotBefore)
		}
		if now.After(cert.NotAfter) {
			return fmt.Errorf("peer certificate expired: NotAfter=%v", cert.NotAfter)
		}

		if expectedNodeID != "" && nodeID != expectedNodeID {
			return fmt.Errorf("node id mismatch: expected %s, got %s", expectedNodeID, nodeID)
		}

		return nil
	}
}

// nodeIDFromCert 从证书公钥派生节点 ID（ed25519 公钥 hex）
func nodeIDFromCert(cert *x509.Certificate) (string, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("unsupported peer key type: %T", cert.PublicKey)
	}
	return hex.EncodeToString(pub), nil
}

// nodeIDFromTLSState 从 TLS 连接状态提取对端节点 ID
func nodeIDFromTLSState(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("peer provided no certificate")
	}
	return nodeIDFromCert(state.PeerCertificates[0])
}
