// Package iroh 实现点对点双向流直连传输驱动
//
// 监听端为每个连接只接受一条双向流：读取至多 1 MiB 载荷、
// 回写固定确认、关闭。发送端按静态对端簿解析节点地址，
// 用 ALPN "broadcast/dm/0" 拨号，写完载荷后半关闭发送侧。
// 节点身份即 ed25519 公钥：TLS 证书由身份私钥自签，
// 拨号端把对端节点 ID 钉死在证书校验里。
package iroh

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/broadcast-dm/go-broadcast/internal/core/transport"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// logger 是 iroh 驱动的日志记录器
var logger = log.Logger("transport/iroh")

// 协议常量
const (
	// alpn 双向流直连的应用层协议标识
	alpn = "broadcast/dm/0"

	// maxInboundBytes 单条入站载荷的读取上限
	maxInboundBytes = 1 << 20

	// ackResponse 监听端处理完载荷后的固定确认
	ackResponse = "ACK: Received"
)

// 超时参数
const (
	// streamAcceptTimeout 等待对端打开双向流的上限
	streamAcceptTimeout = 15 * time.Second

	// ackReadTimeout 发送端等待确认的上限
	ackReadTimeout = 10 * time.Second

	// maxIdleTimeout 连接空闲超时
	maxIdleTimeout = 30 * time.Second

	// keepAlivePeriod 保活间隔
	keepAlivePeriod = 10 * time.Second
)

// Config iroh 驱动配置
type Config struct {
	// ListenAddr QUIC 监听地址（host:port，端口 0 表示随机）
	ListenAddr string

	// Peers 静态对端簿，条目形如 nodeID@host:port
	Peers []string
}

// Driver iroh 传输驱动
type Driver struct {
	mu  sync.RWMutex
	cfg Config

	inbound interfaces.InboundHandler

	priv       ed25519.PrivateKey
	selfNodeID string

	listener *quic.Listener
	peers    map[string]string // nodeID → host:port

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	initialized bool
	closed      bool
}

// 确保实现了接口
var _ interfaces.Driver = (*Driver)(nil)

// New 创建 iroh 驱动（尚未连接，Init 时才监听）
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// Name 返回传输标识
func (d *Driver) Name() types.Protocol {
	return types.ProtocolIroh
}

// OnInbound 注册入站载荷回调（必须在 Init 之前调用）
func (d *Driver) OnInbound(fn interfaces.InboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbound = fn
}

// Init 启动 QUIC 监听并解析静态对端簿
func (d *Driver) Init(_ context.Context, id *identity.Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("iroh driver already shut down")
	}
	if d.initialized {
		return nil
	}

	peers, err := parsePeerBook(d.cfg.Peers)
	if err != nil {
		return err
	}

	priv := id.Ed25519Priv()
	tlsConf, err := serverTLSConfig(priv)
	if err != nil {
		return fmt.Errorf("build server tls config: %w", err)
	}

	ln, err := quic.ListenAddr(d.cfg.ListenAddr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("listen quic on %s: %w", d.cfg.ListenAddr, err)
	}

	d.priv = priv
	d.selfNodeID = id.Public().IrohNodeID()
	d.listener = ln
	d.peers = peers
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.initialized = true

	d.wg.Add(1)
	go d.acceptLoop(ln)

	logger.Info("iroh listener ready",
		"nodeID", log.TruncateID(d.selfNodeID, 16),
		"addr", ln.Addr().String(),
		"knownPeers", len(peers))
	return nil
}

// Addr 返回实际监听地址（端口 0 时为动态分配的端口）
func (d *Driver) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Send 向指定节点投递一份载荷
//
// 向自己的节点 ID 发送立即失败（self 类别），不会拨号。
func (d *Driver) Send(ctx context.Context, to *identity.PublicIdentity, payload []byte) types.SendResult {
	d.mu.RLock()
	initialized := d.initialized
	selfNodeID := d.selfNodeID
	priv := d.priv
	d.mu.RUnlock()

	if !initialized {
		return types.Failure(types.ProtocolIroh, types.ErrorKindNotInitialized, "driver not initialized")
	}

	nodeID := to.IrohNodeID()
	if nodeID == selfNodeID {
		return types.Failure(types.ProtocolIroh, types.ErrorKindSelf, "cannot send to own node id")
	}

	addr, ok := d.lookupPeer(nodeID)
	if !ok {
		return types.Failure(types.ProtocolIroh, types.ErrorKindUnreachable,
			fmt.Sprintf("no known address for node %s", log.TruncateID(nodeID, 16)))
	}

	tlsConf, err := clientTLSConfig(priv, nodeID)
	if err != nil {
		return types.Failure(types.ProtocolIroh, types.ErrorKindProtocol, err.Error())
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return types.Failure(types.ProtocolIroh, transport.Classify(err),
			fmt.Sprintf("dial %s: %v", addr, err))
	}
	defer func() { _ = conn.CloseWithError(0, "") }()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return types.Failure(types.ProtocolIroh, transport.Classify(err),
			fmt.Sprintf("open stream: %v", err))
	}

	if _, err := stream.Write(payload); err != nil {
		return types.Failure(types.ProtocolIroh, transport.Classify(err),
			fmt.Sprintf("write payload: %v", err))
	}

	// 半关闭发送侧：对端读到 EOF 即视为载荷完整
	if err := stream.Close(); err != nil {
		return types.Failure(types.ProtocolIroh, transport.Classify(err),
			fmt.Sprintf("close send side: %v", err))
	}

	// 读取对端确认，尽力而为：确认丢失不推翻已写入的事实
	_ = stream.SetReadDeadline(time.Now().Add(ackReadTimeout))
	buf := make([]byte, len(ackResponse))
	if _, err := io.ReadFull(stream, buf); err != nil {
		logger.Debug("ack read incomplete", "peer", log.TruncateID(nodeID, 16), "err", err)
	}

	return types.Successf(types.ProtocolIroh, "delivered to %s", addr)
}

// Status 返回监听状态
func (d *Driver) Status() types.DriverStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := types.DriverStatus{Total: 1}
	if d.initialized && !d.closed {
		st.Connected = 1
		st.Detail = fmt.Sprintf("listening on %s, %d known peers", d.listener.Addr(), len(d.peers))
	}
	return st
}

// Shutdown 关闭监听与全部在途连接，幂等
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	ln := d.listener
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
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

// ============================================================================
//                              监听端
// ============================================================================

// acceptLoop 接受入站连接
func (d *Driver) acceptLoop(ln *quic.Listener) {
	defer d.wg.Done()

	for {
		conn, err := ln.Accept(d.ctx)
		if err != nil {
			// 监听器关闭或驱动停止
			return
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

// handleConn 处理一个入站连接
//
// 每个连接只接受一条双向流：读载荷、回确认、关闭。
func (d *Driver) handleConn(conn quic.Connection) {
	defer d.wg.Done()
	defer func() { _ = conn.CloseWithError(0, "") }()

	ctx, cancel := context.WithTimeout(d.ctx, streamAcceptTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		logger.Debug("accept stream failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(stream, maxInboundBytes))
	if err != nil {
		logger.Debug("read payload failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	// 超出上限的字节被截断丢弃；继续消费到 EOF，发送端得以正常完成
	_, _ = io.Copy(io.Discard, stream)

	server := d.remoteNodeID(conn)

	d.mu.RLock()
	handler := d.inbound
	d.mu.RUnlock()
	if handler != nil && len(payload) > 0 {
		handler(payload, server)
	}

	_, _ = stream.Write([]byte(ackResponse))
	_ = stream.Close()
}

// remoteNodeID 从连接的 TLS 状态提取对端节点 ID，失败时退回网络地址
func (d *Driver) remoteNodeID(conn quic.Connection) string {
	nodeID, err := nodeIDFromTLSState(conn.ConnectionState().TLS)
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return nodeID
}

// ============================================================================
//                              对端簿
// ============================================================================

// parsePeerBook 解析 nodeID@host:port 形式的静态对端条目
func parsePeerBook(entries []string) (map[string]string, error) {
	peers := make(map[string]string, len(entries))
	for _, entry := range entries {
		nodeID, addr, ok := strings.Cut(entry, "@")
		if !ok || nodeID == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer entry %q, want nodeID@host:port", entry)
		}
		peers[strings.ToLower(nodeID)] = addr
	}
	return peers, nil
}

// lookupPeer 查询节点的网络地址
func (d *Driver) lookupPeer(nodeID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.peers[strings.ToLower(nodeID)]
	return addr, ok
}

// quicConfig 返回两端共用的 QUIC 参数
func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:     maxIdleTimeout,
		KeepAlivePeriod:    keepAlivePeriod,
		MaxIncomingStreams: 16,
	}
}
