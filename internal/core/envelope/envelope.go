// Package envelope 实现消息信封的构造与编解码
//
// 线上格式是单个 UTF-8 JSON 对象。编码端保证必填字段齐全，
// 解码端容忍未知字段、拒绝缺失 uuid 或类型非法的输入。
// 确认消息的内容固定为 "ACK: <ackOfUuid>"，可作为兜底关联键。
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// 错误定义
var (
	// ErrMalformedMessage 载荷不是合法的消息信封
	ErrMalformedMessage = errors.New("malformed message")

	// ErrContentTooLarge 消息内容超出上限
	ErrContentTooLarge = errors.New("content too large")
)

// AckContentPrefix 确认消息内容的固定前缀
const AckContentPrefix = "ACK: "

// Serialize 将消息编码为线上字节
func Serialize(msg *types.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}
	return data, nil
}

// Deserialize 解析线上字节为消息
//
// 失败返回 nil 与包装 ErrMalformedMessage 的错误；调用方
// （多路复用器）记录日志后丢弃载荷即可。
func Deserialize(data []byte) (*types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if msg.UUID == "" {
		return nil, fmt.Errorf("%w: missing uuid", ErrMalformedMessage)
	}
	switch msg.Type {
	case types.MessageTypeMessage, types.MessageTypeAck:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	if len(msg.Content) > types.MaxContentBytes {
		return nil, fmt.Errorf("%w: content %d bytes exceeds %d",
			ErrMalformedMessage, len(msg.Content), types.MaxContentBytes)
	}

	return &msg, nil
}

// NewMessage 构造一条普通聊天消息
//
// uuid 随机生成（小写连字符格式），时间戳取调用方时钟的毫秒值。
func NewMessage(fromMagnet, content string, now time.Time) (*types.Message, error) {
	if len(content) > types.MaxContentBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d",
			ErrContentTooLarge, len(content), types.MaxContentBytes)
	}

	return &types.Message{
		UUID:           uuid.NewString(),
		Type:           types.MessageTypeMessage,
		Content:        content,
		Timestamp:      now.UnixMilli(),
		FromMagnetLink: fromMagnet,
	}, nil
}

// NewAcknowledgment 为一条入站消息构造确认
//
// 参数：
//   - orig: 被确认的消息
//   - receivedVia: 原消息到达所经的传输
//   - selfMagnet: 确认方自己的身份
//   - prefs: 确认方声明的通道偏好（可为 nil）
func NewAcknowledgment(orig *types.Message, receivedVia types.Protocol, selfMagnet string, prefs []types.ChannelPreference, now time.Time) *types.Message {
	return &types.Message{
		UUID:               uuid.NewString(),
		Type:               types.MessageTypeAck,
		Content:            AckContentPrefix + orig.UUID,
		Timestamp:          now.UnixMilli(),
		FromMagnetLink:     selfMagnet,
		AckOfUUID:          orig.UUID,
		ReceivedVia:        receivedVia,
		ChannelPreferences: prefs,
	}
}
