package broadcast

import (
	"errors"

	fanout "github.com/broadcast-dm/go-broadcast/internal/core/broadcast"
	"github.com/broadcast-dm/go-broadcast/internal/core/envelope"
	"github.com/broadcast-dm/go-broadcast/internal/core/evidence"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
)

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 引擎生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotStarted 引擎未启动
	ErrNotStarted = errors.New("engine not started")

	// ErrAlreadyStarted 引擎已启动
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrEngineClosed 引擎已关闭，不可再启动
	ErrEngineClosed = errors.New("engine closed")

	// ────────────────────────────────────────────────────────────────────────
	// 发送路径错误（由内部组件定义，此处导出方便调用方匹配）
	// ────────────────────────────────────────────────────────────────────────

	// ErrInvalidMagnet 磁力链接不合法
	ErrInvalidMagnet = identity.ErrInvalidMagnet

	// ErrInvalidRecipient 收件人磁力链接不合法（Send 在触达任何驱动前返回）
	ErrInvalidRecipient = fanout.ErrInvalidRecipient

	// ErrContentTooLarge 消息内容超出 64 KiB 上限
	ErrContentTooLarge = envelope.ErrContentTooLarge

	// ErrStoreBusy 证据库持续繁忙，重试耗尽
	ErrStoreBusy = evidence.ErrBusy
)
