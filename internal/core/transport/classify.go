// Package transport 提供五个传输驱动共享的辅助设施
//
// 目前只有错误分类：把各驱动报出的网络错误映射为统一的
// 结果错误类别，供广播器决定日志级别。
package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// Classify 把网络错误映射为结果错误类别
//
// 规则自上而下：超时类、不可达类、证书/鉴权类，
// 其余一律归为协议错误。nil 返回 ErrorKindNone。
func Classify(err error) types.ErrorKind {
	if err == nil {
		return types.ErrorKindNone
	}

	// 超时：上下文超时/取消、实现了 Timeout() 的网络错误
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || os.IsTimeout(err) {
		return types.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrorKindTimeout
	}

	// 不可达：连接被拒、路由不可达、域名解析失败
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ECONNRESET) {
		return types.ErrorKindUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.ErrorKindUnreachable
	}

	// 鉴权：证书校验失败、TLS 握手被对端拒绝
	var unknownAuthority x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	if errors.As(err, &unknownAuthority) || errors.As(err, &certInvalid) || errors.As(err, &hostname) {
		return types.ErrorKindAuth
	}
	if msg := err.Error(); strings.Contains(msg, "tls:") || strings.Contains(msg, "CRYPTO_ERROR") {
		return types.ErrorKindAuth
	}

	return types.ErrorKindProtocol
}
