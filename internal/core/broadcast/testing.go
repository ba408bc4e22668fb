package broadcast

import (
	"context"
	"sync"

	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// FakeSend 一次发送的记录
type FakeSend struct {
	To      *identity.PublicIdentity
	Payload []byte
}

// FakeDriver 内存传输驱动，供本包及上层组件的测试使用
//
// 默认任何发送都成功并记录下来；可用 Pair 把两个实例接成
// 一条内存链路，一端的发送异步送达另一端的入站回调。
type FakeDriver struct {
	protocol types.Protocol

	mu          sync.Mutex
	inbound     interfaces.InboundHandler
	initErr     error
	shutdownErr error
	sendFunc    func(ctx context.Context, to *identity.PublicIdentity, payload []byte) types.SendResult
	sent        []FakeSend
	peer        *FakeDriver
	initialized bool
	shutdowns   int
}

var _ interfaces.Driver = (*FakeDriver)(nil)

// NewFakeDriver 创建指定传输名的内存驱动
func NewFakeDriver(p types.Protocol) *FakeDriver {
	return &FakeDriver{protocol: p}
}

// FailInit 让 Init 返回给定错误
func (f *FakeDriver) FailInit(err error) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
	return f
}

// FailShutdown 让 Shutdown 返回给定错误
func (f *FakeDriver) FailShutdown(err error) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownErr = err
	return f
}

// SetSendFunc 覆盖默认的发送行为
func (f *FakeDriver) SetSendFunc(fn func(ctx context.Context, to *identity.PublicIdentity, payload []byte) types.SendResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendFunc = fn
}

// Pair 把本端的发送接到对端的入站回调（单向）
func (f *FakeDriver) Pair(peer *FakeDriver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peer = peer
}

// Inject 模拟一份载荷从网络到达
func (f *FakeDriver) Inject(payload []byte, server string) {
	f.mu.Lock()
	handler := f.inbound
	f.mu.Unlock()
	if handler != nil {
		handler(payload, server)
	}
}

// Sent 返回全部发送记录的副本
func (f *FakeDriver) Sent() []FakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeSend, len(f.sent))
	copy(out, f.sent)
	return out
}

// Shutdowns 返回 Shutdown 被调用的次数
func (f *FakeDriver) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// Name 实现 Driver
func (f *FakeDriver) Name() types.Protocol {
	return f.protocol
}

// OnInbound 实现 Driver
func (f *FakeDriver) OnInbound(fn interfaces.InboundHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = fn
}

// Init 实现 Driver
func (f *FakeDriver) Init(_ context.Context, _ *identity.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	return nil
}

// Send 实现 Driver
func (f *FakeDriver) Send(ctx context.Context, to *identity.PublicIdentity, payload []byte) types.SendResult {
	f.mu.Lock()
	if !f.initialized {
		f.mu.Unlock()
		return types.Failure(f.protocol, types.ErrorKindNotInitialized, "driver not initialized")
	}
	f.sent = append(f.sent, FakeSend{To: to, Payload: payload})
	fn := f.sendFunc
	peer := f.peer
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, to, payload)
	}
	if peer != nil {
		// 异步送达，模拟真实网络的时序
		data := make([]byte, len(payload))
		copy(data, payload)
		go peer.Inject(data, string(f.protocol)+"-loop")
	}
	return types.Successf(f.protocol, "fake delivery")
}

// Status 实现 Driver
func (f *FakeDriver) Status() types.DriverStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := types.DriverStatus{Total: 1, Detail: "fake"}
	if f.initialized {
		st.Connected = 1
	}
	return st
}

// Shutdown 实现 Driver
func (f *FakeDriver) Shutdown(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.initialized = false
	return f.shutdownErr
}
