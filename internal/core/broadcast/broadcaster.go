// Package broadcast 实现多传输扇出广播器
//
// 一条消息并行投递到全部已初始化的传输驱动，每个驱动的结果
// 独立计入逐协议聚合统计与指标。初始化按 allSettled 语义进行：
// 单个驱动失败只降级告警，全挂也不算错误，后续发送返回空结果。
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/broadcast-dm/go-broadcast/internal/core/envelope"
	"github.com/broadcast-dm/go-broadcast/internal/core/metrics"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// logger 是广播器的日志记录器
var logger = log.Logger("broadcaster")

// ErrInvalidRecipient 收件人磁力链接缺失或无法解析
var ErrInvalidRecipient = errors.New("invalid recipient magnet link")

// InitResult 单个驱动的初始化结果
type InitResult struct {
	Protocol types.Protocol
	Err      error
}

// Broadcaster 多传输扇出广播器
type Broadcaster struct {
	drivers []interfaces.Driver
	store   interfaces.EvidenceStore
	clk     clock.Clock

	mu          sync.RWMutex
	active      []interfaces.Driver
	initialized bool
}

// Option 广播器可选参数
type Option func(*Broadcaster)

// WithClock 注入时钟（测试用）
func WithClock(clk clock.Clock) Option {
	return func(b *Broadcaster) {
		b.clk = clk
	}
}

// New 创建广播器
//
// drivers 的顺序决定初始化日志与状态报告的顺序。
func New(drivers []interfaces.Driver, store interfaces.EvidenceStore, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		drivers: drivers,
		store:   store,
		clk:     clock.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Drivers 返回全部挂载的驱动（含未初始化的）
func (b *Broadcaster) Drivers() []interfaces.Driver {
	return b.drivers
}

// Initialize 并行初始化全部驱动
//
// 每个驱动的成败独立结算：失败的记录告警后跳过，不会中止
// 其他驱动。返回的结果与挂载顺序一致。
func (b *Broadcaster) Initialize(ctx context.Context, id *identity.Identity) []InitResult {
	results := make([]InitResult, len(b.drivers))

	var wg sync.WaitGroup
	for i, drv := range b.drivers {
		wg.Add(1)
		go func(i int, drv interfaces.Driver) {
			defer wg.Done()
			results[i] = InitResult{
				Protocol: drv.Name(),
				Err:      drv.Init(ctx, id),
			}
		}(i, drv)
	}
	wg.Wait()

	var active []interfaces.Driver
	for i, res := range results {
		if res.Err != nil {
			logger.Warn("driver unavailable", "protocol", res.Protocol, "err", res.Err)
			continue
		}
		active = append(active, b.drivers[i])
		logger.Info("driver ready", "protocol", res.Protocol)
	}

	b.mu.Lock()
	b.active = active
	b.initialized = true
	b.mu.Unlock()

	b.refreshGauges()
	logger.Info("broadcaster initialized",
		"ready", len(active), "mounted", len(b.drivers))
	return results
}

// Broadcast 把一条消息并行投递到全部已初始化的驱动
//
// 收件人磁力链接先于一切解码：解码失败返回 ErrInvalidRecipient，
// 不落库也不接触任何驱动。消息行在投递前写入存储，发送方
// 之后才能把回流的确认关联起来。结果的顺序不确定。
func (b *Broadcaster) Broadcast(ctx context.Context, msg *types.Message, recipientMagnet string) ([]types.SendResult, error) {
	to, err := identity.DecodeMagnet(recipientMagnet)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
	}

	if _, err := b.store.SaveMessage(msg, recipientMagnet); err != nil {
		return nil, fmt.Errorf("save outbound message: %w", err)
	}

	payload, err := envelope.Serialize(msg)
	if err != nil {
		return nil, err
	}

	drivers := b.snapshotActive()
	if len(drivers) == 0 {
		logger.Warn("no driver available, message stored but not sent", "uuid", msg.UUID)
		return []types.SendResult{}, nil
	}

	resultCh := make(chan types.SendResult, len(drivers))
	for _, drv := range drivers {
		go func(drv interfaces.Driver) {
			start := b.clk.Now()
			res := drv.Send(ctx, to, payload)
			res.Protocol = drv.Name()
			res.LatencyMs = b.clk.Since(start).Milliseconds()
			if res.LatencyMs < 0 {
				res.LatencyMs = 0
			}
			b.recordResult(res)
			resultCh <- res
		}(drv)
	}

	results := make([]types.SendResult, 0, len(drivers))
	for range drivers {
		results = append(results, <-resultCh)
	}
	return results, nil
}

// Status 返回全部驱动的连接状态
func (b *Broadcaster) Status() map[types.Protocol]types.DriverStatus {
	out := make(map[types.Protocol]types.DriverStatus, len(b.drivers))
	for _, drv := range b.drivers {
		out[drv.Name()] = drv.Status()
	}
	return out
}

// InitializedProtocols 返回已初始化驱动的传输名（挂载顺序）
func (b *Broadcaster) InitializedProtocols() []types.Protocol {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Protocol, 0, len(b.active))
	for _, drv := range b.active {
		out = append(out, drv.Name())
	}
	return out
}

// Shutdown 并行关停全部驱动，错误合并返回
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	for _, drv := range b.drivers {
		wg.Add(1)
		go func(drv interfaces.Driver) {
			defer wg.Done()
			if err := drv.Shutdown(ctx); err != nil {
				logger.Warn("driver shutdown failed", "protocol", drv.Name(), "err", err)
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", drv.Name(), err))
				mu.Unlock()
			}
		}(drv)
	}
	wg.Wait()

	b.mu.Lock()
	b.active = nil
	b.mu.Unlock()
	return errs
}

// RefreshGauges 把各驱动的连接数写进指标
func (b *Broadcaster) RefreshGauges() {
	b.refreshGauges()
}

// ============================================================================
//                              内部
// ============================================================================

// snapshotActive 复制当前已初始化的驱动列表
func (b *Broadcaster) snapshotActive() []interfaces.Driver {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]interfaces.Driver, len(b.active))
	copy(out, b.active)
	return out
}

// recordResult 把单次发送结果计入聚合统计与指标
//
// 延迟只在成功时进入平均值，失败只递增尝试数。
func (b *Broadcaster) recordResult(res types.SendResult) {
	var latency *int64
	if res.Success {
		l := res.LatencyMs
		latency = &l
	}
	if err := b.store.UpdateProtocolAggregate(res.Protocol, res.Success, latency); err != nil {
		logger.Error("update protocol aggregate failed", "protocol", res.Protocol, "err", err)
	}

	metrics.SendsTotal.WithLabelValues(string(res.Protocol), metrics.Outcome(res.Success)).Inc()
	if res.Success {
		metrics.SendLatencySeconds.WithLabelValues(string(res.Protocol)).
			Observe(float64(res.LatencyMs) / 1000)
		return
	}

	switch res.ErrorKind {
	case types.ErrorKindSelf, types.ErrorKindNotInitialized:
		logger.Debug("send skipped", "protocol", res.Protocol,
			"kind", res.ErrorKind, "detail", res.Detail)
	default:
		logger.Warn("send failed", "protocol", res.Protocol,
			"kind", res.ErrorKind, "detail", res.Detail)
	}
}

// refreshGauges 更新各驱动的连接数指标
func (b *Broadcaster) refreshGauges() {
	for proto, st := range b.Status() {
		metrics.DriversConnected.WithLabelValues(string(proto)).Set(float64(st.Connected))
	}
}
