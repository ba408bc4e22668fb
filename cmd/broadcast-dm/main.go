// Package main 提供 broadcast-dm 命令行入口
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	broadcast "github.com/broadcast-dm/go-broadcast"
	"github.com/broadcast-dm/go-broadcast/internal/config"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
)

var logger = log.Logger("broadcast/cmd")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
// 设计原则：
//
//   命令行参数：运行时覆盖 / 快速测试（「这次运行」想怎么跑）
//   JSON 配置文件：持久化配置 / 长期运行（「这个身份」的固定配置）
//
// ═══════════════════════════════════════════════════════════════════════════
var (
	// ─────────────────────────────────────────────────────────────────────
	// 运行时参数（快速指定）
	// ─────────────────────────────────────────────────────────────────────
	configFile = flag.String("config", "", "配置文件路径")
	dataDir    = flag.String("data-dir", "", "数据目录（默认: ~/.go-broadcast）")
	userName   = flag.String("user", "", "本地用户名（数据按用户名隔离到子目录）")
	protoList  = flag.String("protocols", "", "启用的传输，逗号分隔 (xmtp,nostr,waku,mqtt,iroh)；默认全部")
	chatPeer   = flag.String("chat", "", "对端磁力链接，进入交互聊天模式")

	// ─────────────────────────────────────────────────────────────────────
	// 传输参数
	// ─────────────────────────────────────────────────────────────────────
	listenIroh = flag.String("listen-iroh", "", "iroh QUIC 监听地址 (host:port)")
	irohPeer   = flag.String("iroh-peer", "", "iroh 静态对端，逗号分隔 (nodeID@host:port)")
	wakuPeer   = flag.String("waku-peer", "", "waku 引导节点多地址，逗号分隔")

	// ─────────────────────────────────────────────────────────────────────
	// 观测参数
	// ─────────────────────────────────────────────────────────────────────
	metricsAddr = flag.String("metrics-addr", "", "Prometheus 指标监听地址（如 127.0.0.1:9464）")

	// ─────────────────────────────────────────────────────────────────────
	// 日志参数
	// ─────────────────────────────────────────────────────────────────────
	verbose = flag.Bool("verbose", false, "日志输出到控制台（默认写入日志文件）")
	logFile = flag.String("log", "", "日志文件路径（默认: <log-dir>/broadcast-<时间戳>-<pid>.log）")
	logDir  = flag.String("log-dir", "logs", "日志目录")

	// ─────────────────────────────────────────────────────────────────────
	// 信息显示
	// ─────────────────────────────────────────────────────────────────────
	showVersion = flag.Bool("version", false, "显示版本信息")
	showHelp    = flag.Bool("help", false, "显示帮助信息")
)

// actualLogPath 实际使用的日志文件路径（用于输出显示）
var actualLogPath string

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	// 显示版本
	if *showVersion {
		printVersion()
		return nil
	}

	// 显示帮助
	if *showHelp {
		printHelp()
		return nil
	}

	// 设置日志
	logHandle, err := setupLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "警告: %v\n", err)
		fmt.Fprintln(os.Stderr, "将继续使用控制台输出日志")
	}
	if logHandle != nil {
		defer func() { _ = logHandle.Close() }()
	}

	// 构建选项
	opts, err := buildOptions()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 打印版本信息（部署验证）
	fmt.Printf("📦 %s\n", broadcast.VersionInfo())
	logger.Info("starting engine", "version", broadcast.Version, "commit", broadcast.GitCommit)

	// 启动引擎
	fmt.Println("正在启动投递引擎...")
	engine, err := broadcast.Start(ctx, opts...)
	if err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	defer func() { _ = engine.Close() }()

	// 显示引擎信息（美化输出）
	printEngineInfo(engine)

	// 注册入站监听（聊天与旁听共用）
	registerHandlers(engine)

	if *chatPeer != "" {
		if err := runChat(ctx, engine, *chatPeer); err != nil {
			return err
		}
	} else {
		fmt.Println("监听模式，按 Ctrl+C 退出")
		waitForSignal()
	}

	fmt.Println("\n正在关闭引擎...")
	return nil
}

// buildOptions 构建选项
//
// 配置优先级（从高到低）：
//  1. 命令行参数（运行时覆盖）
//  2. 环境变量（BROADCAST_* 前缀）
//  3. 配置文件（持久化配置）
//  4. 默认值
func buildOptions() ([]broadcast.Option, error) {
	var cfg *broadcast.UserConfig

	// ═══════════════════════════════════════════════════════════════════
	// 1. 加载配置文件（持久化配置）
	// ═══════════════════════════════════════════════════════════════════
	if *configFile != "" {
		var err error
		cfg, err = loadConfigFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败: %w", err)
		}
	} else {
		cfg = &broadcast.UserConfig{}
	}

	// ═══════════════════════════════════════════════════════════════════
	// 2. 应用环境变量覆盖
	// ═══════════════════════════════════════════════════════════════════
	applyEnvOverrides(cfg)

	// ═══════════════════════════════════════════════════════════════════
	// 3. 应用命令行参数覆盖（运行时参数，最高优先级）
	// ═══════════════════════════════════════════════════════════════════

	if isFlagSet("data-dir") && *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	// 传输集合（显式传空串表示全部禁用，配合注入自定义驱动使用）
	if isFlagSet("protocols") {
		protos, err := parseProtocols(*protoList)
		if err != nil {
			return nil, err
		}
		cfg.Protocols = protos
	}

	if isFlagSet("metrics-addr") && *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	if *listenIroh != "" {
		if cfg.Iroh == nil {
			cfg.Iroh = &broadcast.IrohConfig{}
		}
		cfg.Iroh.ListenAddr = *listenIroh
	}
	if *irohPeer != "" {
		if cfg.Iroh == nil {
			cfg.Iroh = &broadcast.IrohConfig{}
		}
		cfg.Iroh.Peers = splitAndTrim(*irohPeer, ",")
	}
	if *wakuPeer != "" {
		if cfg.Waku == nil {
			cfg.Waku = &broadcast.WakuConfig{}
		}
		cfg.Waku.BootstrapPeers = splitAndTrim(*wakuPeer, ",")
	}

	// --user: 数据按用户名隔离到子目录（同机多身份）
	if *userName != "" {
		base := cfg.DataDir
		if base == "" {
			base = config.DefaultDataDir()
		}
		cfg.DataDir = filepath.Join(base, *userName)
	}

	return cfg.ToOptions(), nil
}

// isFlagSet 检查命令行参数是否被显式设置
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// waitForSignal 等待退出信号
func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
}

// setupLogging 设置日志输出
//
// 默认把日志写入文件，避免污染聊天界面；--verbose 时输出到
// 控制台并放开到 Debug 级别。返回打开的日志文件句柄（如有）。
func setupLogging() (*os.File, error) {
	if *verbose {
		log.SetOutputWithLevel(os.Stderr, log.LevelDebug)
		return nil, nil
	}

	logPath := *logFile
	if logPath == "" {
		logPath = getLogFileFromEnv()
	}
	if logPath == "" {
		timestamp := time.Now().Format("20060102-150405")
		logPath = filepath.Join(*logDir, fmt.Sprintf("broadcast-%s-%d.log", timestamp, os.Getpid()))
	}

	// 确保日志目录存在
	if err := os.MkdirAll(filepath.Dir(logPath), 0750); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	// 打开日志文件
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}

	// 设置全局日志输出
	log.SetOutput(file)
	actualLogPath = logPath

	return file, nil
}

// registerHandlers 注册入站消息与回执的打印回调
func registerHandlers(engine *broadcast.Engine) {
	engine.OnMessage(func(msg *broadcast.Message, via broadcast.Protocol) {
		if msg.IsAck() {
			// 确认消息作为送达提示展示（仅聊天模式）
			if *chatPeer != "" {
				fmt.Printf("\n✓ 对端已确认（经 %s 收到）\n> ", msg.ReceivedVia)
			}
			return
		}
		from := log.TruncateID(msg.FromMagnetLink, 32)
		if *chatPeer != "" {
			fmt.Printf("\n[%s] %s\n> ", from, msg.Content)
		} else {
			fmt.Printf("[%s via %s] %s\n", from, via, msg.Content)
		}
	})

	engine.OnReceipt(func(r *broadcast.Receipt, duplicate bool) {
		logger.Debug("receipt recorded",
			"uuid", log.TruncateID(r.MessageUUID, 8),
			"protocol", r.Protocol,
			"duplicate", duplicate,
			"latencyMs", r.LatencyMs)
	})
}

// runChat 进入交互聊天模式
//
// 逐行读取 stdin 发送给对端；/quit 或 /exit 退出。
// 入站消息由 registerHandlers 注册的回调打印。
func runChat(ctx context.Context, engine *broadcast.Engine, peer string) error {
	fmt.Printf("聊天对象: %s\n", log.TruncateID(peer, 48))
	fmt.Println("输入内容回车发送，/quit 退出")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		// 放宽到内容上限，默认 64 KiB 的扫描缓冲会截断长行
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024+2)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-signals:
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin 关闭（管道输入结束）
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
			case "/quit", "/exit":
				return nil
			default:
				sendLine(ctx, engine, peer, line)
			}
			fmt.Print("> ")
		}
	}
}

// sendLine 发送一行内容并打印各传输结果
func sendLine(ctx context.Context, engine *broadcast.Engine, peer, content string) {
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	results, err := engine.Send(sendCtx, peer, content)
	if err != nil {
		fmt.Printf("发送失败: %v\n", err)
		return
	}
	fmt.Printf("→ %s\n", formatResults(results))
}

// formatResults 将发送结果压成一行
func formatResults(results []broadcast.SendResult) string {
	if len(results) == 0 {
		return "无可用传输（消息已存档）"
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Success {
			parts = append(parts, fmt.Sprintf("✓ %s (%dms)", r.Protocol, r.LatencyMs))
		} else {
			parts = append(parts, fmt.Sprintf("✗ %s (%s)", r.Protocol, r.ErrorKind))
		}
	}
	return strings.Join(parts, "  ")
}

// printEngineInfo 打印引擎信息（美化输出）
//
// 输出包含可复制的完整磁力链接，便于分享给对端。
func printEngineInfo(engine *broadcast.Engine) {
	magnet := engine.MagnetLink()
	active := engine.ActiveProtocols()

	fmt.Println()
	fmt.Println("╔════════════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║                 go-broadcast engine started (%s)                   ║\n", broadcast.Version)
	fmt.Println("╠════════════════════════════════════════════════════════════════════════╣")
	fmt.Println("║  Magnet link (copy to share):                                          ║")
	printWrappedLine(magnet, 68)
	fmt.Println("║                                                                        ║")
	fmt.Printf("║  Transports: %-58s  ║\n", formatProtocols(active))

	// 显示日志文件路径
	if actualLogPath != "" {
		fmt.Println("║                                                                        ║")
		printWrappedLabel("Log file:", actualLogPath, 60)
	}

	fmt.Println("╚════════════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// formatProtocols 格式化传输列表
func formatProtocols(protos []broadcast.Protocol) string {
	if len(protos) == 0 {
		return "none (archive only)"
	}
	parts := make([]string, 0, len(protos))
	for _, p := range protos {
		parts = append(parts, string(p))
	}
	return strings.Join(parts, ", ")
}

// printWrappedLine 打印可复制的长行内容（不截断）
func printWrappedLine(text string, width int) {
	if width <= 0 {
		fmt.Printf("║    %s  ║\n", text)
		return
	}
	for len(text) > width {
		fmt.Printf("║    %-*s  ║\n", width, text[:width])
		text = text[width:]
	}
	fmt.Printf("║    %-*s  ║\n", width, text)
}

// printWrappedLabel 打印带标签的长行内容（不截断）
func printWrappedLabel(label, text string, width int) {
	prefix := fmt.Sprintf("║  %s ", label)
	if width <= 0 {
		fmt.Printf("%s%s  ║\n", prefix, text)
		return
	}
	remaining := width
	linePrefix := prefix
	for len(text) > remaining {
		fmt.Printf("%s%-*s  ║\n", linePrefix, remaining, text[:remaining])
		text = text[remaining:]
		// 续行对齐
		linePrefix = "║" + strings.Repeat(" ", len(label)+2) + " "
		remaining = width
	}
	fmt.Printf("%s%-*s  ║\n", linePrefix, remaining, text)
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("broadcast-dm %s\n", broadcast.Version)
	if broadcast.GitCommit != "" {
		fmt.Printf("  commit: %s\n", broadcast.GitCommit)
	}
	if broadcast.BuildDate != "" {
		fmt.Printf("  built:  %s\n", broadcast.BuildDate)
	}
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("broadcast-dm - 多传输冗余投递的点对点私信")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  broadcast-dm [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println("配置边界说明")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println()
	fmt.Println("命令行参数（运行时覆盖）：")
	fmt.Println("  -protocols, -user, -chat, -data-dir        # 运行时参数")
	fmt.Println("  -listen-iroh, -iroh-peer, -waku-peer       # 传输参数")
	fmt.Println("  -metrics-addr                              # 观测参数")
	fmt.Println("  -verbose, -log, -log-dir                   # 日志参数")
	fmt.Println()
	fmt.Println("配置文件（持久化配置）：")
	fmt.Println("  identity.key_file        # 身份密钥文件")
	fmt.Println("  nostr.relays             # nostr 中继列表")
	fmt.Println("  mqtt.brokers             # mqtt Broker 列表")
	fmt.Println("  waku.bootstrap_peers     # waku 引导节点")
	fmt.Println("  iroh.peers               # iroh 静态对端簿")
	fmt.Println("  seen_cache.size / ttl    # 入站去重窗口")
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  BROADCAST_DATA_DIR           数据目录（隔离多身份数据库）")
	fmt.Println("  BROADCAST_PROTOCOLS          启用的传输（逗号分隔）")
	fmt.Println("  BROADCAST_IDENTITY_KEY_FILE  身份密钥文件")
	fmt.Println("  BROADCAST_XMTP_ENV           xmtp 网关环境 (dev/production/local)")
	fmt.Println("  BROADCAST_NOSTR_RELAYS       nostr 中继（逗号分隔）")
	fmt.Println("  BROADCAST_MQTT_BROKERS       mqtt Broker（逗号分隔）")
	fmt.Println("  BROADCAST_METRICS_ADDR       Prometheus 指标监听地址")
	fmt.Println("  BROADCAST_LOG_FILE           日志文件路径")
	fmt.Println("  BROADCAST_LOG_LEVEL          日志级别 (debug/info/warn/error)")
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println("使用示例")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println()
	fmt.Println("  # 启动监听（打印自己的磁力链接，等待入站消息）")
	fmt.Println("  broadcast-dm")
	fmt.Println()
	fmt.Println("  # 与对端聊天（五路传输并行投递）")
	fmt.Println("  broadcast-dm -chat \"magnet:?xt=urn:identity:v1&secp256k1pub=04...&ed25519pub=...&eth=0x...\"")
	fmt.Println()
	fmt.Println("  # 只用 nostr 和 mqtt")
	fmt.Println("  broadcast-dm -protocols nostr,mqtt -chat \"magnet:...\"")
	fmt.Println()
	fmt.Println("  # 同机双身份测试（iroh 直连回环）")
	fmt.Println("  broadcast-dm -user alice -protocols iroh -listen-iroh 127.0.0.1:4433")
	fmt.Println("  broadcast-dm -user bob -protocols iroh -iroh-peer <nodeID>@127.0.0.1:4433 \\")
	fmt.Println("      -chat \"magnet:...\"")
	fmt.Println()
	fmt.Println("  # 使用配置文件 + 指标监听")
	fmt.Println("  broadcast-dm -config config.json -metrics-addr 127.0.0.1:9464")
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println("配置文件示例 (config.json)")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println()
	fmt.Println(`  {`)
	fmt.Println(`    "data_dir": "~/.go-broadcast",`)
	fmt.Println(`    "protocols": ["nostr", "mqtt", "iroh"],`)
	fmt.Println(`    "identity": {`)
	fmt.Println(`      "key_file": "~/.go-broadcast/identity.json"`)
	fmt.Println(`    },`)
	fmt.Println(`    "nostr": {`)
	fmt.Println(`      "relays": ["wss://relay.damus.io", "wss://nos.lol"]`)
	fmt.Println(`    },`)
	fmt.Println(`    "mqtt": {`)
	fmt.Println(`      "brokers": ["mqtt://broker.hivemq.com:1883"]`)
	fmt.Println(`    },`)
	fmt.Println(`    "seen_cache": {"size": 100000, "ttl": "24h"}`)
	fmt.Println(`  }`)
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println("磁力链接格式")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println()
	fmt.Println("  magnet:?xt=urn:identity:v1&secp256k1pub=<130位十六进制未压缩公钥>" +
		"&ed25519pub=<64位十六进制公钥>&eth=<0x加40位十六进制地址>")
	fmt.Println()
	fmt.Println("  启动后控制台会打印本节点的磁力链接，复制给对端即可互发。")
}
