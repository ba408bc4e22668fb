// Package mqtt 实现基于代理发布订阅的传输驱动
//
// 每个配置的代理一个独立客户端，互为冗余：初始化时并行连接，
// 至少一个连上即算成功，掉线的客户端按 5 秒间隔自动重连。
// 收件箱是以收件人未压缩公钥 hex 命名的主题 dm/<hex>，
// 发布用 QoS 1 加保留位，离线收件人上线后仍能拿到最后一条。
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/broadcast-dm/go-broadcast/internal/core/transport"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// logger 是 mqtt 驱动的日志记录器
var logger = log.Logger("transport/mqtt")

const (
	// qosAtLeastOnce 默认服务质量：至少一次
	qosAtLeastOnce = 1

	// connectTimeout 初次确认连接的等待上限
	connectTimeout = 10 * time.Second

	// publishTimeout 单个代理的发布确认上限
	publishTimeout = 10 * time.Second

	// reconnectInterval 掉线与初连失败的重试间隔
	reconnectInterval = 5 * time.Second

	// keepAlive MQTT 心跳间隔
	keepAlive = 30 * time.Second

	// disconnectQuiesceMs 断开前等待在途消息的毫秒数
	disconnectQuiesceMs = 250
)

// Config mqtt 驱动配置
type Config struct {
	// Brokers 代理地址列表（mqtt:// 或 tcp:// 形式）
	Brokers []string
}

// Driver mqtt 传输驱动
type Driver struct {
	mu  sync.RWMutex
	cfg Config

	inbound interfaces.InboundHandler

	selfTopic string

	clients map[string]paho.Client // 代理地址 → 客户端（含重连中的）

	initialized bool
	closed      bool
}

// 确保实现了接口
var _ interfaces.Driver = (*Driver)(nil)

// New 创建 mqtt 驱动（尚未连接，Init 时才建客户端）
func New(cfg Config) *Driver {
	return &Driver{
		cfg:     cfg,
		clients: make(map[string]paho.Client),
	}
}

// Name 返回传输标识
func (d *Driver) Name() types.Protocol {
	return types.ProtocolMQTT
}

// OnInbound 注册入站载荷回调（必须在 Init 之前调用）
func (d *Driver) OnInbound(fn interfaces.InboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbound = fn
}

// Init 并行连接全部代理并订阅自己的收件箱主题
//
// 至少一个代理在超时内确认连接才算成功；没确认的客户端
// 留在池子里继续重试，连上后由连接回调补订阅。
func (d *Driver) Init(_ context.Context, id *identity.Identity) error {
	if len(d.cfg.Brokers) == 0 {
		return fmt.Errorf("no mqtt brokers configured")
	}

	selfHex := id.Public().PubSubID()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("mqtt driver already shut down")
	}
	if d.initialized {
		d.mu.Unlock()
		return nil
	}
	d.selfTopic = inboxTopic(selfHex)
	d.mu.Unlock()

	var wg sync.WaitGroup
	confirmed := make([]bool, len(d.cfg.Brokers))
	for i, broker := range d.cfg.Brokers {
		client := d.newClient(broker, clientID(selfHex, i))

		d.mu.Lock()
		d.clients[broker] = client
		d.mu.Unlock()

		wg.Add(1)
		go func(i int, broker string, client paho.Client) {
			defer wg.Done()
			token := client.Connect()
			if !token.WaitTimeout(connectTimeout) {
				logger.Warn("broker connect pending, retrying in background", "broker", broker)
				return
			}
			if err := token.Error(); err != nil {
				logger.Warn("broker connect failed, retrying in background", "broker", broker, "err", err)
				return
			}
			confirmed[i] = true
		}(i, broker, client)
	}
	wg.Wait()

	connected := 0
	for _, ok := range confirmed {
		if ok {
			connected++
		}
	}
	if connected == 0 {
		d.teardownClients()
		return fmt.Errorf("no mqtt broker reachable (%d attempted)", len(d.cfg.Brokers))
	}

	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()

	logger.Info("mqtt broker pool ready",
		"inbox", d.selfTopic,
		"connected", connected,
		"configured", len(d.cfg.Brokers))
	return nil
}

// Send 把载荷发布到收件人的收件箱主题，扇出到全部已连接代理
func (d *Driver) Send(_ context.Context, to *identity.PublicIdentity, payload []byte) types.SendResult {
	d.mu.RLock()
	initialized := d.initialized
	clients := make(map[string]paho.Client, len(d.clients))
	for broker, c := range d.clients {
		clients[broker] = c
	}
	d.mu.RUnlock()

	if !initialized {
		return types.Failure(types.ProtocolMQTT, types.ErrorKindNotInitialized, "driver not initialized")
	}

	topic := inboxTopic(to.PubSubID())

	type publishOutcome struct {
		broker string
		err    error
	}
	outcomes := make(chan publishOutcome, len(clients))
	attempted := 0
	for broker, client := range clients {
		if !client.IsConnectionOpen() {
			continue
		}
		attempted++
		go func(broker string, client paho.Client) {
			// 保留位：离线收件人重新上线后仍能取到最后一条
			token := client.Publish(topic, qosAtLeastOnce, true, payload)
			if !token.WaitTimeout(publishTimeout) {
				outcomes <- publishOutcome{broker, context.DeadlineExceeded}
				return
			}
			outcomes <- publishOutcome{broker, token.Error()}
		}(broker, client)
	}

	if attempted == 0 {
		return types.Failure(types.ProtocolMQTT, types.ErrorKindUnreachable, "no connected brokers")
	}

	accepted := 0
	var lastErr error
	for i := 0; i < attempted; i++ {
		out := <-outcomes
		if out.err == nil {
			accepted++
		} else {
			lastErr = out.err
			logger.Debug("broker publish failed", "broker", out.broker, "err", out.err)
		}
	}

	if accepted == 0 {
		return types.Failure(types.ProtocolMQTT, transport.Classify(lastErr),
			fmt.Sprintf("all brokers rejected publish: %v", lastErr))
	}
	return types.Successf(types.ProtocolMQTT, "accepted by %d/%d brokers", accepted, attempted)
}

// Status 返回代理池状态
func (d *Driver) Status() types.DriverStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	connected := 0
	for _, c := range d.clients {
		if c.IsConnectionOpen() {
			connected++
		}
	}
	return types.DriverStatus{
		Connected: connected,
		Total:     len(d.cfg.Brokers),
		Detail:    fmt.Sprintf("%d/%d brokers connected", connected, len(d.cfg.Brokers)),
	}
}

// Shutdown 断开全部代理，幂等
func (d *Driver) Shutdown(_ context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.teardownClients()
	return nil
}

// teardownClients 断开并清空客户端池
func (d *Driver) teardownClients() {
	d.mu.Lock()
	clients := d.clients
	d.clients = make(map[string]paho.Client)
	d.mu.Unlock()

	for _, c := range clients {
		c.Disconnect(disconnectQuiesceMs)
	}
}

// ============================================================================
//                              客户端构造
// ============================================================================

// newClient 为单个代理构造客户端
//
// 订阅放在连接回调里：重连成功后订阅自动恢复。
func (d *Driver) newClient(broker, cid string) paho.Client {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cid).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInterval).
		SetMaxReconnectInterval(reconnectInterval).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(func(c paho.Client) {
		logger.Info("broker connected", "broker", broker)
		token := c.Subscribe(d.selfTopic, qosAtLeastOnce, func(_ paho.Client, m paho.Message) {
			d.dispatch(m.Payload(), broker)
		})
		go func() {
			if token.WaitTimeout(connectTimeout) && token.Error() != nil {
				logger.Warn("inbox subscribe failed", "broker", broker, "err", token.Error())
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("broker connection lost, reconnecting", "broker", broker, "err", err)
	})

	return paho.NewClient(opts)
}

// dispatch 把入站载荷交给注册的回调
func (d *Driver) dispatch(payload []byte, broker string) {
	d.mu.RLock()
	handler := d.inbound
	d.mu.RUnlock()
	if handler != nil {
		handler(payload, broker)
	}
}

// inboxTopic 返回某个公钥的收件箱主题
func inboxTopic(pubHex string) string {
	return "dm/" + pubHex
}

// clientID 生成代理上的客户端标识
//
// 公钥前缀保证跨用户唯一，序号区分同一用户对多个代理的连接。
func clientID(pubHex string, i int) string {
	prefix := pubHex
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return fmt.Sprintf("bc-%s-%d", prefix, i)
}
