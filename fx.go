package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/fx"

	"github.com/broadcast-dm/go-broadcast/internal/config"

	// Core Layer - 证据存储、扇出广播与入站多路复用
	fanout "github.com/broadcast-dm/go-broadcast/internal/core/broadcast"
	"github.com/broadcast-dm/go-broadcast/internal/core/evidence"
	"github.com/broadcast-dm/go-broadcast/internal/core/metrics"
	"github.com/broadcast-dm/go-broadcast/internal/core/mux"

	// Transport Layer - 五种投递传输驱动
	"github.com/broadcast-dm/go-broadcast/internal/core/transport/iroh"
	"github.com/broadcast-dm/go-broadcast/internal/core/transport/mqtt"
	"github.com/broadcast-dm/go-broadcast/internal/core/transport/nostr"
	"github.com/broadcast-dm/go-broadcast/internal/core/transport/waku"
	"github.com/broadcast-dm/go-broadcast/internal/core/transport/xmtp"

	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// buildFxApp 构建 Fx 应用
//
// 组装全部内部模块，采用条件加载策略：
//   - 核心模块：必须加载（Identity, EvidenceStore, Broadcaster, Mux）
//   - 驱动模块：根据配置开关与能力探测结果加载
//   - 扩展驱动：用户通过 WithDrivers 注入的自定义传输
//
// 依赖顺序：
//
//	Identity → Store → Drivers → Broadcaster → Mux → Engine

var fxLogger = log.Logger("broadcast/fx")

func buildFxApp(cfg *config.Config, o *options, eng *Engine) (*fx.App, error) {
	// ════════════════════════════════════════════════════════════════════════
	// 1. 配置验证（前置）
	// ════════════════════════════════════════════════════════════════════════
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 2. 能力探测
	// ════════════════════════════════════════════════════════════════════════
	// 宿主缺少的能力（数据目录不可写、端口不可绑定）在这里折算成
	// 驱动排除项；Probe 自己负责按传输逐项告警。
	excluded := make(map[types.Protocol]bool)
	for _, ex := range config.Probe(cfg) {
		excluded[ex.Protocol] = true
	}

	// ════════════════════════════════════════════════════════════════════════
	// 3. 核心模块（必须加载）
	// ════════════════════════════════════════════════════════════════════════
	modules := []fx.Option{
		fx.Supply(cfg),
		fx.Provide(provideIdentity(o)),
		fx.Provide(provideStore),
	}

	// ════════════════════════════════════════════════════════════════════════
	// 4. 传输驱动（条件加载）
	// ════════════════════════════════════════════════════════════════════════
	if cfg.XMTPEnabled && !excluded[types.ProtocolXMTP] {
		modules = append(modules, fx.Provide(provideXMTPDriver))
	}
	if cfg.NostrEnabled && !excluded[types.ProtocolNostr] {
		modules = append(modules, fx.Provide(provideNostrDriver))
	}
	if cfg.WakuEnabled && !excluded[types.ProtocolWaku] {
		modules = append(modules, fx.Provide(provideWakuDriver))
	}
	if cfg.MQTTEnabled && !excluded[types.ProtocolMQTT] {
		modules = append(modules, fx.Provide(provideMQTTDriver))
	}
	if cfg.IrohEnabled && !excluded[types.ProtocolIroh] {
		modules = append(modules, fx.Provide(provideIrohDriver))
	}

	// ════════════════════════════════════════════════════════════════════════
	// 5. 广播器与多路复用器
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		fx.Provide(provideBroadcaster(o.extraDrivers)),
		fx.Provide(provideMux),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 6. 组件注入与生命周期
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, fx.Invoke(wireEngine(eng)))

	// ════════════════════════════════════════════════════════════════════════
	// 7. Fx 配置
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		// 禁用 Fx 日志输出（避免干扰用户日志）
		fx.NopLogger,
	)

	app := fx.New(modules...)
	return app, nil
}

// ════════════════════════════════════════════════════════════════════════════
// 核心组件提供函数
// ════════════════════════════════════════════════════════════════════════════

// provideIdentity 创建身份提供函数
//
// 优先级：显式注入的身份 > 指定的密钥文件 > 数据目录默认密钥文件。
// 密钥文件不存在时生成新身份并落盘，同一数据目录下身份保持稳定。
func provideIdentity(o *options) func(cfg *config.Config) (*identity.Identity, error) {
	return func(cfg *config.Config) (*identity.Identity, error) {
		if o.identity != nil {
			return o.identity, nil
		}

		keyFile := o.identityKeyFile
		if keyFile == "" {
			keyFile = filepath.Join(cfg.DataDir, "identity.json")
		}

		id, err := identity.LoadOrCreate(keyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		fxLogger.Debug("identity ready",
			"magnet", log.TruncateID(id.MagnetLink(), 24))
		return id, nil
	}
}

// provideStore 打开数据目录下的证据存储
func provideStore(cfg *config.Config) (interfaces.EvidenceStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := evidence.New(filepath.Join(cfg.DataDir, "evidence.db"))
	if err != nil {
		return nil, err
	}
	return store, nil
}

// ════════════════════════════════════════════════════════════════════════════
// 驱动提供函数
// ════════════════════════════════════════════════════════════════════════════

// driverOutput 把单个驱动发布到 group:"drivers"
type driverOutput struct {
	fx.Out

	Driver interfaces.Driver `group:"drivers"`
}

func provideXMTPDriver(cfg *config.Config) driverOutput {
	return driverOutput{Driver: xmtp.New(xmtp.Config{
		Env:     cfg.XMTPEnv,
		DataDir: cfg.DataDir,
	})}
}

func provideNostrDriver(cfg *config.Config) driverOutput {
	return driverOutput{Driver: nostr.New(nostr.Config{
		Relays: cfg.NostrRelays,
	})}
}

func provideWakuDriver(cfg *config.Config) driverOutput {
	return driverOutput{Driver: waku.New(waku.Config{
		ListenAddrs:    cfg.WakuListenAddrs,
		BootstrapPeers: cfg.WakuBootstrapPeers,
	})}
}

func provideMQTTDriver(cfg *config.Config) driverOutput {
	return driverOutput{Driver: mqtt.New(mqtt.Config{
		Brokers: cfg.MQTTBrokers,
	})}
}

func provideIrohDriver(cfg *config.Config) driverOutput {
	return driverOutput{Driver: iroh.New(iroh.Config{
		ListenAddr: cfg.IrohListenAddr,
		Peers:      cfg.IrohPeers,
	})}
}

// ════════════════════════════════════════════════════════════════════════════
// 广播器与多路复用器提供函数
// ════════════════════════════════════════════════════════════════════════════

// driverSetParams 收集全部注册的驱动
type driverSetParams struct {
	fx.In

	Drivers []interfaces.Driver `group:"drivers"`
	Store   interfaces.EvidenceStore
}

// provideBroadcaster 创建广播器提供函数
//
// value group 的聚合顺序不确定，这里先按固定传输顺序重排；
// 用户注入的自定义驱动保持注入顺序排在内置传输之后。
func provideBroadcaster(extra []interfaces.Driver) func(driverSetParams) *fanout.Broadcaster {
	return func(p driverSetParams) *fanout.Broadcaster {
		drivers := sortDrivers(p.Drivers)
		drivers = append(drivers, extra...)
		return fanout.New(drivers, p.Store)
	}
}

// sortDrivers 按固定传输顺序返回排序后的副本
func sortDrivers(in []interfaces.Driver) []interfaces.Driver {
	rank := make(map[types.Protocol]int, len(types.AllProtocols()))
	for i, p := range types.AllProtocols() {
		rank[p] = i
	}

	out := make([]interfaces.Driver, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return rank[out[i].Name()] < rank[out[j].Name()]
	})
	return out
}

// muxParams 多路复用器的依赖
type muxParams struct {
	fx.In

	Config      *config.Config
	Store       interfaces.EvidenceStore
	Identity    *identity.Identity
	Broadcaster *fanout.Broadcaster
}

// provideMux 创建入站多路复用器
//
// 确认回程直接借道广播器，对端声明的偏好和本端观测共用同一
// 张证据库；确认里携带的本端偏好从广播器的驱动状态即时推导。
func provideMux(p muxParams) *mux.Mux {
	m := mux.New(p.Store, p.Identity.MagnetLink(),
		mux.WithSeenCache(p.Config.SeenCacheSize, p.Config.SeenCacheTTL),
		mux.WithPreferences(ownPreferences(p.Broadcaster)),
	)
	m.SetAckSender(p.Broadcaster)
	return m
}

// ownPreferences 从驱动状态推导本端通道偏好
//
// 顺序即固定传输顺序；当前没有任何可用连接的传输标记
// cannotUse，对端据此避开我们收不到的通道。
func ownPreferences(b *fanout.Broadcaster) func() []types.ChannelPreference {
	return func() []types.ChannelPreference {
		status := b.Status()
		prefs := make([]types.ChannelPreference, 0, len(status))

		order := 0
		for _, proto := range types.AllProtocols() {
			st, ok := status[proto]
			if !ok {
				continue
			}
			order++
			n := order
			prefs = append(prefs, types.ChannelPreference{
				Protocol:        proto,
				PreferenceOrder: &n,
				CannotUse:       !st.Ready(),
			})
		}
		return prefs
	}
}

// ════════════════════════════════════════════════════════════════════════════
// 组件注入辅助函数
// ════════════════════════════════════════════════════════════════════════════

// engineWireParams 引擎组件注入参数
type engineWireParams struct {
	fx.In

	LC          fx.Lifecycle
	Config      *config.Config
	Identity    *identity.Identity
	Store       interfaces.EvidenceStore
	Broadcaster *fanout.Broadcaster
	Mux         *mux.Mux
}

// wireEngine 创建引擎组件注入函数
//
// 完成四件事：
//  1. 把入站回调挂到每个驱动上（必须先于驱动 Init）
//  2. 把组件句柄写回引擎
//  3. 注册关停钩子，执行顺序为 mux → broadcaster → store
//  4. 按需挂载指标端点
func wireEngine(eng *Engine) interface{} {
	return func(p engineWireParams) {
		for _, drv := range p.Broadcaster.Drivers() {
			drv.OnInbound(p.Mux.HandleInbound(drv.Name()))
		}

		eng.attach(p.Identity, p.Store, p.Broadcaster, p.Mux)

		// OnStop 按注册的逆序执行：先停入站多路复用，再关驱动，
		// 最后关存储，保证关停途中不会出现写已关库的回执。
		p.LC.Append(fx.Hook{OnStop: func(context.Context) error {
			return p.Store.Close()
		}})
		p.LC.Append(fx.Hook{OnStop: func(ctx context.Context) error {
			return p.Broadcaster.Shutdown(ctx)
		}})
		p.LC.Append(fx.Hook{OnStop: func(context.Context) error {
			return p.Mux.Close()
		}})

		metrics.Register()
		if p.Config.MetricsAddr != "" {
			srv := newMetricsServer(p.Config.MetricsAddr)
			p.LC.Append(fx.Hook{OnStart: srv.start, OnStop: srv.stop})
		}
	}
}

// ════════════════════════════════════════════════════════════════════════════
// 指标服务
// ════════════════════════════════════════════════════════════════════════════

// metricsServer 承载 /metrics 端点的 HTTP 服务
//
// 监听在 OnStart 里同步建立，端口被占等错误当场暴露；
// Serve 在后台进行，OnStop 优雅关停。
type metricsServer struct {
	addr string
	srv  *http.Server
}

func newMetricsServer(addr string) *metricsServer {
	handler := http.NewServeMux()
	handler.Handle("/metrics", metrics.Handler())
	return &metricsServer{
		addr: addr,
		srv:  &http.Server{Handler: handler},
	}
}

func (m *metricsServer) start(context.Context) error {
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", m.addr, err)
	}
	fxLogger.Info("metrics endpoint listening", "addr", ln.Addr().String())

	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fxLogger.Warn("metrics server stopped", "err", err)
		}
	}()
	return nil
}

func (m *metricsServer) stop(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
