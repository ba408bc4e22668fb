// Package waku 实现基于 gossipsub 网格的传输驱动
//
// 节点用自己的 ed25519 身份起一个 libp2p 主机，加入按自动
// 分片规则推导的网格主题。私信装在 JSON 帧里发布到收件人
// 内容主题所在的分片，订阅侧按自己的内容主题过滤。没有
// 配置引导节点时只监听，等别人来连。
package waku

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/broadcast-dm/go-broadcast/internal/core/transport"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// logger 是 waku 驱动的日志记录器
var logger = log.Logger("transport/waku")

const (
	// bootstrapTimeout 单个引导节点的连接超时
	bootstrapTimeout = 15 * time.Second
)

// Config waku 驱动配置
type Config struct {
	// ListenAddrs libp2p 监听的 multiaddr 列表
	ListenAddrs []string

	// BootstrapPeers 引导节点的完整 multiaddr（含 /p2p/ 段）
	BootstrapPeers []string
}

// frame 是发布到网格的消息帧
//
// Payload 在 JSON 里自动转 base64；Timestamp 为纳秒。
type frame struct {
	ContentTopic string `json:"contentTopic"`
	Payload      []byte `json:"payload"`
	Timestamp    int64  `json:"timestamp"`
}

// Driver waku 传输驱动
type Driver struct {
	mu  sync.RWMutex
	cfg Config

	inbound interfaces.InboundHandler

	host   host.Host
	ps     *pubsub.PubSub
	topics map[string]*pubsub.Topic

	selfContentTopic string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	initialized bool
	closed      bool
}

// 确保实现了接口
var _ interfaces.Driver = (*Driver)(nil)

// New 创建 waku 驱动（尚未联网，Init 时才起主机）
func New(cfg Config) *Driver {
	return &Driver{
		cfg:    cfg,
		topics: make(map[string]*pubsub.Topic),
	}
}

// Name 返回传输标识
func (d *Driver) Name() types.Protocol {
	return types.ProtocolWaku
}

// OnInbound 注册入站载荷回调（必须在 Init 之前调用）
func (d *Driver) OnInbound(fn interfaces.InboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbound = fn
}

// Init 启动 libp2p 主机、连接引导节点并订阅自己的分片
//
// 配置了引导节点时至少要连上一个；一个都没配就纯监听。
func (d *Driver) Init(ctx context.Context, id *identity.Identity) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("waku driver already shut down")
	}
	if d.initialized {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	priv, err := crypto.UnmarshalEd25519PrivateKey([]byte(id.Ed25519Priv()))
	if err != nil {
		return fmt.Errorf("wrap ed25519 key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(d.cfg.ListenAddrs...),
	)
	if err != nil {
		return fmt.Errorf("start libp2p host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return fmt.Errorf("start gossipsub: %w", err)
	}

	if err := d.bootstrap(ctx, h); err != nil {
		cancel()
		_ = h.Close()
		return err
	}

	selfContentTopic := contentTopicFor(id.Public().PubSubID())
	shardTopic, err := PubsubTopicFor(selfContentTopic)
	if err != nil {
		cancel()
		_ = h.Close()
		return err
	}

	d.mu.Lock()
	d.host = h
	d.ps = ps
	d.selfContentTopic = selfContentTopic
	d.ctx = runCtx
	d.cancel = cancel
	d.mu.Unlock()

	topic, err := d.joinTopic(shardTopic)
	if err != nil {
		cancel()
		_ = h.Close()
		return fmt.Errorf("join shard topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		_ = h.Close()
		return fmt.Errorf("subscribe shard topic: %w", err)
	}

	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.consume(sub)

	logger.Info("waku mesh ready",
		"peerID", log.TruncateID(h.ID().String(), 16),
		"shardTopic", shardTopic,
		"contentTopic", selfContentTopic)
	return nil
}

// Send 把载荷装帧后发布到收件人内容主题所在的分片
func (d *Driver) Send(ctx context.Context, to *identity.PublicIdentity, payload []byte) types.SendResult {
	d.mu.RLock()
	initialized := d.initialized
	d.mu.RUnlock()

	if !initialized {
		return types.Failure(types.ProtocolWaku, types.ErrorKindNotInitialized, "driver not initialized")
	}

	contentTopic := contentTopicFor(to.PubSubID())
	shardTopic, err := PubsubTopicFor(contentTopic)
	if err != nil {
		return types.Failure(types.ProtocolWaku, types.ErrorKindProtocol, err.Error())
	}

	topic, err := d.joinTopic(shardTopic)
	if err != nil {
		return types.Failure(types.ProtocolWaku, transport.Classify(err),
			fmt.Sprintf("join %s: %v", shardTopic, err))
	}

	// 网格里一个邻居都没有时发布只会石沉大海，按不可达处理
	peers := topic.ListPeers()
	if len(peers) == 0 {
		return types.Failure(types.ProtocolWaku, types.ErrorKindUnreachable,
			fmt.Sprintf("no mesh peers on %s", shardTopic))
	}

	data, err := json.Marshal(frame{
		ContentTopic: contentTopic,
		Payload:      payload,
		Timestamp:    time.Now().UnixNano(),
	})
	if err != nil {
		return types.Failure(types.ProtocolWaku, types.ErrorKindProtocol,
			fmt.Sprintf("marshal frame: %v", err))
	}

	if err := topic.Publish(ctx, data); err != nil {
		return types.Failure(types.ProtocolWaku, transport.Classify(err),
			fmt.Sprintf("publish to %s: %v", shardTopic, err))
	}
	return types.Successf(types.ProtocolWaku, "published to %s (%d peers)", shardTopic, len(peers))
}

// Status 返回网格状态
func (d *Driver) Status() types.DriverStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := types.DriverStatus{Total: len(d.cfg.BootstrapPeers)}
	if d.host != nil && !d.closed {
		st.Connected = len(d.host.Network().Peers())
		st.Detail = fmt.Sprintf("%d mesh peers, peer id %s",
			st.Connected, log.TruncateID(d.host.ID().String(), 16))
	}
	return st
}

// Shutdown 离开全部主题并关停主机，幂等
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	h := d.host
	topics := d.topics
	d.topics = make(map[string]*pubsub.Topic)
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for name, topic := range topics {
		if err := topic.Close(); err != nil {
			logger.Debug("topic close failed", "topic", name, "err", err)
		}
	}
	if h != nil {
		_ = h.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HostAddrs 返回带 /p2p/ 段的完整监听地址，可直接用作引导地址
func (d *Driver) HostAddrs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.host == nil {
		return nil
	}
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{
		ID:    d.host.ID(),
		Addrs: d.host.Addrs(),
	})
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// ============================================================================
//                              网格侧
// ============================================================================

// bootstrap 连接配置的引导节点，至少要成一个
func (d *Driver) bootstrap(ctx context.Context, h host.Host) error {
	if len(d.cfg.BootstrapPeers) == 0 {
		return nil
	}

	connected := 0
	for _, raw := range d.cfg.BootstrapPeers {
		addr, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			return fmt.Errorf("invalid bootstrap peer %q: %w", raw, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return fmt.Errorf("invalid bootstrap peer %q: %w", raw, err)
		}

		dialCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
		err = h.Connect(dialCtx, *info)
		cancel()
		if err != nil {
			logger.Warn("bootstrap peer unreachable", "peer", raw, "err", err)
			continue
		}
		connected++
	}

	if connected == 0 {
		return fmt.Errorf("no bootstrap peer reachable (%d attempted)", len(d.cfg.BootstrapPeers))
	}
	return nil
}

// joinTopic 加入网格主题，重复加入返回缓存的句柄
func (d *Driver) joinTopic(name string) (*pubsub.Topic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if topic, ok := d.topics[name]; ok {
		return topic, nil
	}
	topic, err := d.ps.Join(name)
	if err != nil {
		return nil, err
	}
	d.topics[name] = topic
	return topic, nil
}

// consume 过滤并分发订阅到的网格消息
func (d *Driver) consume(sub *pubsub.Subscription) {
	defer d.wg.Done()

	for {
		msg, err := sub.Next(d.ctx)
		if err != nil {
			// 订阅取消或主机关停
			return
		}
		if msg.ReceivedFrom == d.host.ID() {
			continue
		}

		var f frame
		if err := json.Unmarshal(msg.GetData(), &f); err != nil {
			logger.Debug("malformed mesh frame dropped", "from", msg.ReceivedFrom, "err", err)
			continue
		}
		// 分片由整个应用共享，只认发给自己的内容主题
		if f.ContentTopic != d.selfContentTopic {
			continue
		}

		d.mu.RLock()
		handler := d.inbound
		d.mu.RUnlock()
		if handler != nil {
			handler(f.Payload, msg.ReceivedFrom.String())
		}
	}
}
