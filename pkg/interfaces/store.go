// 本文件定义 EvidenceStore 接口，抽象投递证据的持久化。
package interfaces

import (
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// EvidenceStore 定义投递证据存储接口
//
// 实现必须可被多 goroutine 并发调用：广播器在每次发送后写入
// 聚合统计，多路复用器在每条入站消息上写入消息与回执。
type EvidenceStore interface {
	// SaveMessage 保存一条消息
	//
	// 以 uuid 为主键幂等：重复保存不报错，返回值指示本次是否
	// 真正插入了新行。toMagnet 是消息的接收方（入站时为自己）。
	SaveMessage(msg *types.Message, toMagnet string) (inserted bool, err error)

	// HasMessage 检查消息是否已存在
	HasMessage(uuid string) (bool, error)

	// SaveReceipt 追加一条回执
	//
	// 每个 (uuid, protocol, server) 到达都记录一行，重复到达
	// 产生多行，这正是冗余证据的意义。
	SaveReceipt(r *types.Receipt) error

	// ListReceipts 返回某条消息的全部回执（按到达时间升序）
	ListReceipts(uuid string) ([]*types.Receipt, error)

	// ListAllMessages 返回最近的消息（按时间戳降序，最多 limit 条）
	ListAllMessages(limit int) ([]*types.Message, error)

	// MessageCount 返回已存消息总数
	MessageCount() (int64, error)

	// UpdatePeerPreference 更新对端在某传输上的可达性观测
	//
	// (identity, protocol) 为主键 UPSERT；preferenceOrder 传 nil
	// 表示保留已有值。
	UpdatePeerPreference(p *types.PeerChannelPreference) error

	// UpdateDeclaredPreference 记录对端自己声明的通道偏好
	//
	// 只写入声明的顺序与 cannotUse 标志，不触碰本端观测到的
	// is_working 等字段。
	UpdateDeclaredPreference(identity string, pref types.ChannelPreference) error

	// GetPeerPreferences 返回对端的全部传输观测
	GetPeerPreferences(identity string) ([]*types.PeerChannelPreference, error)

	// UpdateProtocolAggregate 更新某传输的全局聚合统计
	//
	// 每次发送调用一次：totalSent 递增，acked 为真时 totalAcked
	// 递增并把 latencyMs 折算进平均延迟。
	UpdateProtocolAggregate(protocol types.Protocol, acked bool, latencyMs *int64) error

	// GetProtocolStats 返回全部传输的聚合统计
	GetProtocolStats() ([]*types.ProtocolStats, error)

	// Close 关闭存储
	Close() error
}
