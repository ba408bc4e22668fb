// Package broadcast 提供多传输冗余投递的点对点消息库
//
// go-broadcast 把一条消息同时投向多条互相独立的传输通道
// （xmtp、nostr、waku、mqtt、iroh），任何一条送达即算送达。
// 接收端对五路副本去重，只把第一份交给上层，并为每一次物理
// 到达留下持久化回执，事后可以审计哪条通道真正干了活。
//
// # 核心概念
//
// go-broadcast 围绕四个核心概念构建：
//
//   - Engine: 广播引擎，用户交互的主入口
//   - 磁力链接: 节点的可分享地址，内嵌两把公钥，五种传输各自
//     从中派生自己的寻址（钱包地址、事件公钥、主题、节点 ID）
//   - 传输驱动: 对五种投递通道的统一抽象，可插拔
//   - 证据库: SQLite 落盘的消息、回执与对端通道偏好
//
// # 快速开始
//
//	import "github.com/broadcast-dm/go-broadcast"
//
//	// 1. 创建并启动引擎
//	engine, err := broadcast.Start(ctx,
//	    broadcast.WithDataDir("./data"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	// 2. 交换磁力链接后即可通信
//	fmt.Println("my magnet:", engine.MagnetLink())
//
//	engine.OnMessage(func(msg *broadcast.Message, via broadcast.Protocol) {
//	    fmt.Printf("[%s] %s\n", via, msg.Content)
//	})
//
//	// 3. 发送（并行走全部可用传输）
//	results, err := engine.Send(ctx, peerMagnet, "hello")
//
// # 架构
//
//	┌─────────────────────────────────────────────────────────────┐
//	│  入口层                                                      │
//	│  ┌─────────┐                                                 │
//	│  │ Engine  │  broadcast.New() / broadcast.Start()            │
//	│  └─────────┘                                                 │
//	├─────────────────────────────────────────────────────────────┤
//	│  核心层                                                      │
//	│  ┌─────────────┐  ┌───────┐  ┌───────────────┐              │
//	│  │ Broadcaster │  │  Mux  │  │ EvidenceStore │              │
//	│  │  出站扇出    │  │ 入站  │  │  SQLite 证据  │              │
//	│  └─────────────┘  └───────┘  └───────────────┘              │
//	├─────────────────────────────────────────────────────────────┤
//	│  传输层                                                      │
//	│  ┌──────┐ ┌───────┐ ┌──────┐ ┌──────┐ ┌──────┐             │
//	│  │ xmtp │ │ nostr │ │ waku │ │ mqtt │ │ iroh │             │
//	│  └──────┘ └───────┘ └──────┘ └──────┘ └──────┘             │
//	└─────────────────────────────────────────────────────────────┘
//
// 出站：Send 把信封序列化一次，并行交给全部已初始化的驱动，
// 每个驱动的结果独立计入聚合统计。入站：每个驱动把解出的载荷
// 交给多路复用器，复用器以 uuid 去重、落库回执、回发确认。
//
// 确认也是一条普通消息（type=ack），从接收端并行走全部传输
// 回流；发送端据此更新对端在各通道上的可达性画像。
//
// # 文件组织
//
//	go-broadcast/
//	├── broadcast.go          # 版本信息
//	├── engine.go             # Engine 结构、New/Start/Stop/Close、Send
//	├── options.go            # 功能选项（WithDataDir、WithProtocols ...）
//	├── config.go             # UserConfig JSON 配置
//	├── fx.go                 # Fx 依赖注入组装
//	├── types.go              # 公共类型别名与引擎状态
//	├── errors.go             # 错误定义
//	│
//	├── internal/config/      # 内部配置、校验、能力探测
//	├── internal/core/
//	│   ├── envelope/         # 信封编解码（JSON wire 格式）
//	│   ├── evidence/         # SQLite 证据存储
//	│   ├── broadcast/        # 多传输扇出广播器
//	│   ├── mux/              # 入站去重多路复用器
//	│   ├── metrics/          # Prometheus 指标
//	│   └── transport/        # 五种传输驱动
//	│       ├── xmtp/         #   钱包寻址 DM（HTTP 网关 + SSE）
//	│       ├── nostr/        #   NIP-04 加密事件中继
//	│       ├── waku/         #   libp2p gossipsub 网格
//	│       ├── mqtt/         #   Broker 发布订阅
//	│       └── iroh/         #   QUIC 直连双向流
//	│
//	├── pkg/types/            # 消息、回执、协议等公共类型
//	├── pkg/interfaces/       # Driver、EvidenceStore 接口
//	├── pkg/lib/identity/     # 双密钥身份与磁力链接
//	└── pkg/lib/log/          # 结构化日志
//
// # 并发模型
//
// Engine 的全部方法并发安全。OnMessage/OnReceipt 回调在驱动的
// 读循环 goroutine 上按注册顺序同步执行，回调里不要做长阻塞
// 操作；需要重负载处理时自行转发到工作池。
//
// # 投递语义
//
// Send 返回时每个可用传输各有一份结果，但"对端收到"只能靠
// 回执证明：监听 OnReceipt 或查询 Receipts/PeerPreferences。
// 同一 uuid 在接收端只上抛一次，跨重启的重复由证据库兜底。
package broadcast
