// Package types 定义 go-broadcast 公共类型
//
// 本文件定义消息信封与通道偏好类型。
package types

// MessageType 消息类型
type MessageType string

const (
	// MessageTypeMessage 普通聊天消息
	MessageTypeMessage MessageType = "message"

	// MessageTypeAck 确认消息（回执载体）
	MessageTypeAck MessageType = "acknowledgment"
)

// MaxContentBytes 消息内容上限（UTF-8 字节数）
const MaxContentBytes = 64 * 1024

// Message 消息信封
//
// 同一条逻辑消息会通过全部启用的传输并行发出，
// 接收端按 UUID 去重。线上格式为单个 JSON 对象，
// 反序列化容忍未知字段。
type Message struct {
	// UUID 128 位随机标识（小写连字符格式），全局唯一
	UUID string `json:"uuid"`

	// Type 消息类型：message 或 acknowledgment
	Type MessageType `json:"type"`

	// Content 消息内容（UTF-8，≤ 64 KiB）
	// 确认消息的内容固定为 "ACK: <ackOfUuid>"，可作为兜底关联键
	Content string `json:"content"`

	// Timestamp 创建时间（Unix 毫秒）
	Timestamp int64 `json:"timestamp"`

	// FromMagnetLink 发送方身份的磁力链接
	FromMagnetLink string `json:"fromMagnetLink"`

	// AckOfUUID 被确认消息的 UUID（仅确认消息携带）
	AckOfUUID string `json:"ackOfUuid,omitempty"`

	// ReceivedVia 确认方收到原消息的传输名（仅确认消息携带）
	ReceivedVia Protocol `json:"receivedVia,omitempty"`

	// ChannelPreferences 确认方声明的通道偏好（仅确认消息可携带）
	ChannelPreferences []ChannelPreference `json:"channelPreferences,omitempty"`
}

// IsAck 判断是否为确认消息
func (m *Message) IsAck() bool {
	return m.Type == MessageTypeAck
}

// ChannelPreference 单条通道偏好声明
//
// 确认消息可携带一组偏好，告知对端自己各传输的可用性与优先级。
type ChannelPreference struct {
	// Protocol 传输协议
	Protocol Protocol `json:"protocol"`

	// PreferenceOrder 偏好顺序（越小越优先）；nil 表示未声明
	PreferenceOrder *int `json:"preferenceOrder,omitempty"`

	// CannotUse 声明该传输不可用
	CannotUse bool `json:"cannotUse"`
}
