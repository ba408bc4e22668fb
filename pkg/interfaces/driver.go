// Package interfaces 定义 go-broadcast 公共接口
//
// 本文件定义 Driver 接口，抽象五种投递传输
// （xmtp、nostr、waku、mqtt、iroh）。
package interfaces

import (
	"context"

	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// InboundHandler 入站载荷回调
//
// 参数：
//   - payload: 驱动解出的原始信封字节（尚未反序列化）
//   - server: 载荷到达时经过的服务器 / 对端标识（中继 URL、
//     broker 地址、对端节点 ID 等），用于回执记录
type InboundHandler func(payload []byte, server string)

// Driver 定义单一传输驱动接口
//
// 五种传输各自实现本接口，广播器对它们一视同仁。
// 约定：
//   - Send 永不 panic，失败以 SendResult 表达而不是 error
//   - OnInbound 必须在 Init 之前调用且只调用一次
//   - Shutdown 幂等，重复调用无害
type Driver interface {
	// Name 返回驱动的传输标识
	Name() types.Protocol

	// OnInbound 注册入站载荷回调
	OnInbound(fn InboundHandler)

	// Init 建立连接并开始监听自己的地址
	//
	// 失败不影响其他驱动；广播器记录失败后继续。
	Init(ctx context.Context, id *identity.Identity) error

	// Send 向指定身份投递一份载荷
	//
	// 返回的 SendResult 总是携带本驱动的 Protocol 与延迟；
	// 未初始化的驱动返回 ErrorKindNotInitialized。
	Send(ctx context.Context, to *identity.PublicIdentity, payload []byte) types.SendResult

	// Status 返回当前连接状态（已连接数 / 目标数）
	Status() types.DriverStatus

	// Shutdown 关闭连接并停止监听
	Shutdown(ctx context.Context) error
}
