// Package types 定义 go-broadcast 公共类型
//
// 本文件定义证据存储的记录类型：回执、对端通道偏好、协议聚合统计。
package types

// Receipt 投递回执
//
// 记录某条消息经由某个传输在某一时刻到达的证据。
// 同一 UUID 的消息只存一行，回执则每次到达都追加一行。
type Receipt struct {
	// MessageUUID 消息标识
	MessageUUID string `json:"messageUuid"`

	// Protocol 到达所经的传输
	Protocol Protocol `json:"protocol"`

	// Server 具体的中继/Broker/节点标识（有意义时填写）
	Server string `json:"server,omitempty"`

	// ReceivedAt 到达时间（Unix 毫秒）
	ReceivedAt int64 `json:"receivedAt"`

	// LatencyMs ReceivedAt − Message.Timestamp
	// 时钟不同步时允许为负，按原值存储
	LatencyMs int64 `json:"latencyMs"`
}

// PeerChannelPreference 对端通道偏好
//
// 以 (identity, protocol) 为唯一键，由确认消息驱动更新。
type PeerChannelPreference struct {
	// Identity 对端身份（磁力链接）
	Identity string `json:"identity"`

	// Protocol 传输协议
	Protocol Protocol `json:"protocol"`

	// IsWorking 该传输最近被确认可达
	IsWorking bool `json:"isWorking"`

	// LastAckAt 最近一次确认时间（Unix 毫秒）；nil 表示从未确认
	LastAckAt *int64 `json:"lastAckAt,omitempty"`

	// AvgLatencyMs 近期延迟估计（毫秒）
	AvgLatencyMs *int64 `json:"avgLatencyMs,omitempty"`

	// PreferenceOrder 对端声明的偏好顺序；未声明时保留旧值
	PreferenceOrder *int `json:"preferenceOrder,omitempty"`

	// CannotUse 对端声明该传输不可用
	CannotUse bool `json:"cannotUse"`
}

// ProtocolStats 协议聚合统计
//
// 以 protocol 为唯一键。AvgLatencyMs 使用 (prior+new)/2 的
// 迭代规则更新，是偏向近期样本的估计器而非算术平均，
// 为与既有存储位级兼容而保留。
type ProtocolStats struct {
	// Protocol 传输协议
	Protocol Protocol `json:"protocol"`

	// TotalSent 发送尝试总数
	TotalSent int64 `json:"totalSent"`

	// TotalAcked 成功投递总数（≤ TotalSent）
	TotalAcked int64 `json:"totalAcked"`

	// AvgLatencyMs 延迟估计（毫秒）；nil 表示尚无样本
	AvgLatencyMs *int64 `json:"avgLatencyMs,omitempty"`

	// LastUsedAt 最近一次使用时间（Unix 毫秒）
	LastUsedAt int64 `json:"lastUsedAt"`
}
