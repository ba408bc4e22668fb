// Package xmtp 实现钱包身份私信网络的传输驱动
//
// 身份是 secp256k1 钱包密钥，私信按以太坊地址寻址。驱动直接
// 对着网络的 JSON 网关收发：发布走请求响应，收件走长连接
// 订阅流，断流 5 秒后重订。每个对端的会话主题记录在本地
// 加密的注册表里，跨重启复用。
package xmtp

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/broadcast-dm/go-broadcast/internal/core/transport"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// logger 是 xmtp 驱动的日志记录器
var logger = log.Logger("transport/xmtp")

const (
	// resubscribeInterval 订阅流断开后的重订间隔
	resubscribeInterval = 5 * time.Second
)

// Config xmtp 驱动配置
type Config struct {
	// Env 网关环境：dev、production 或 local
	Env string

	// DataDir 会话注册表的落盘目录
	DataDir string

	// BaseURL 覆盖环境推导出的网关地址（本地联调用）
	BaseURL string
}

// Driver xmtp 传输驱动
type Driver struct {
	mu  sync.RWMutex
	cfg Config

	inbound interfaces.InboundHandler

	client *gatewayClient
	convs  *conversations

	selfAddr  string
	selfTopic string
	gateway   string // 入站来源标签（网关主机名）

	streaming atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	initialized bool
	closed      bool
}

// 确保实现了接口
var _ interfaces.Driver = (*Driver)(nil)

// New 创建 xmtp 驱动（尚未联网，Init 时才开流）
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// Name 返回传输标识
func (d *Driver) Name() types.Protocol {
	return types.ProtocolXMTP
}

// OnInbound 注册入站载荷回调（必须在 Init 之前调用）
func (d *Driver) OnInbound(fn interfaces.InboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbound = fn
}

// Init 打开会话注册表并对自己的收件主题开订阅流
func (d *Driver) Init(_ context.Context, id *identity.Identity) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("xmtp driver already shut down")
	}
	if d.initialized {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	base := d.cfg.BaseURL
	if base == "" {
		var err error
		base, err = gatewayBaseURL(d.cfg.Env)
		if err != nil {
			return err
		}
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("invalid gateway url %q: %w", base, err)
	}

	ethAddr := id.Public().EthAddress()
	convs, err := openConversations(d.cfg.DataDir, ethAddr, id.SecpPrivHex())
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.client = newGatewayClient(base)
	d.convs = convs
	d.selfAddr = ethAddr
	d.selfTopic = dmTopicFor(ethAddr)
	d.gateway = parsed.Host
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.initialized = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.listenLoop()

	logger.Info("xmtp gateway ready",
		"address", ethAddr,
		"gateway", parsed.Host,
		"inbox", d.selfTopic)
	return nil
}

// Send 把载荷发布到与收件人的会话主题
func (d *Driver) Send(ctx context.Context, to *identity.PublicIdentity, payload []byte) types.SendResult {
	d.mu.RLock()
	initialized := d.initialized
	client := d.client
	convs := d.convs
	d.mu.RUnlock()

	if !initialized {
		return types.Failure(types.ProtocolXMTP, types.ErrorKindNotInitialized, "driver not initialized")
	}

	topic, err := convs.topicFor(to.EthAddress())
	if err != nil {
		return types.Failure(types.ProtocolXMTP, types.ErrorKindProtocol,
			fmt.Sprintf("conversation registry: %v", err))
	}

	if err := client.publish(ctx, topic, payload); err != nil {
		return types.Failure(types.ProtocolXMTP, transport.Classify(err),
			fmt.Sprintf("publish to %s: %v", topic, err))
	}
	return types.Successf(types.ProtocolXMTP, "published to %s", topic)
}

// Status 返回订阅流状态
func (d *Driver) Status() types.DriverStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := types.DriverStatus{Total: 1}
	if d.initialized && !d.closed {
		st.Detail = "gateway " + d.gateway
		if d.streaming.Load() {
			st.Connected = 1
		}
	}
	return st
}

// Shutdown 断开订阅流并关闭注册表，幂等
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	convs := d.convs
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if convs != nil {
		return convs.close()
	}
	return nil
}

// listenLoop 维持收件主题的订阅流，断开即重订
func (d *Driver) listenLoop() {
	defer d.wg.Done()

	for {
		d.streaming.Store(true)
		err := d.client.subscribe(d.ctx, d.selfTopic, func(payload []byte) {
			d.mu.RLock()
			handler := d.inbound
			d.mu.RUnlock()
			if handler != nil {
				handler(payload, d.gateway)
			}
		})
		d.streaming.Store(false)

		if d.ctx.Err() != nil {
			return
		}
		logger.Warn("subscribe stream broken, resubscribing",
			"topic", d.selfTopic, "retryIn", resubscribeInterval, "err", err)

		select {
		case <-time.After(resubscribeInterval):
		case <-d.ctx.Done():
			return
		}
	}
}
