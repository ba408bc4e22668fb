package xmtp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// 网关环境
const (
	EnvDev        = "dev"
	EnvProduction = "production"
	EnvLocal      = "local"
)

const (
	publishPath   = "/message/v1/publish"
	subscribePath = "/message/v1/subscribe"

	// publishTimeout 单次发布请求的上限
	publishTimeout = 30 * time.Second
)

// gatewayBaseURL 把环境名映射到网关地址
func gatewayBaseURL(env string) (string, error) {
	switch env {
	case EnvDev:
		return "https://dev.xmtp.network", nil
	case EnvProduction:
		return "https://production.xmtp.network", nil
	case EnvLocal:
		return "http://localhost:5555", nil
	default:
		return "", fmt.Errorf("unknown xmtp env %q (want dev, production or local)", env)
	}
}

// envelope 是网关线材上的信封
//
// 网关是 JSON 映射的 gRPC：uint64 编码成字符串，bytes 编码成 base64。
type envelope struct {
	ContentTopic string `json:"contentTopic"`
	TimestampNs  uint64 `json:"timestampNs,string"`
	Message      []byte `json:"message"`
}

// publishRequest POST /message/v1/publish 的请求体
type publishRequest struct {
	Envelopes []envelope `json:"envelopes"`
}

// subscribeRequest POST /message/v1/subscribe 的请求体
type subscribeRequest struct {
	ContentTopics []string `json:"contentTopics"`
}

// subscribeFrame 订阅流里的一行
type subscribeFrame struct {
	Result envelope `json:"result"`
}

// gatewayClient 网关的最小 HTTP 客户端
//
// 发布是普通请求响应；订阅是长连接，响应体按行吐 JSON 帧。
type gatewayClient struct {
	base      string
	publisher *http.Client
	streamer  *http.Client
}

// newGatewayClient 创建网关客户端
func newGatewayClient(base string) *gatewayClient {
	return &gatewayClient{
		base:      strings.TrimRight(base, "/"),
		publisher: &http.Client{Timeout: publishTimeout},
		// 订阅流不设整体超时，生存期由调用方的 ctx 决定
		streamer: &http.Client{},
	}
}

// publish 把一份载荷发布到指定内容主题
func (c *gatewayClient) publish(ctx context.Context, topic string, payload []byte) error {
	body, err := json.Marshal(publishRequest{
		Envelopes: []envelope{{
			ContentTopic: topic,
			TimestampNs:  uint64(time.Now().UnixNano()),
			Message:      payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+publishPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.publisher.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway publish: %s: %s", resp.Status, readErrorBody(resp.Body))
	}
	// 排空响应体，连接才能复用
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// subscribe 订阅一个内容主题，每收到一帧调用一次 onEnvelope
//
// 阻塞到流断开或 ctx 取消，总是返回非 nil 错误。
func (c *gatewayClient) subscribe(ctx context.Context, topic string, onEnvelope func(payload []byte)) error {
	body, err := json.Marshal(subscribeRequest{ContentTopics: []string{topic}})
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+subscribePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streamer.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway subscribe: %s: %s", resp.Status, readErrorBody(resp.Body))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var f subscribeFrame
		if err := dec.Decode(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("subscribe stream: %w", err)
		}
		if len(f.Result.Message) == 0 {
			// 心跳或空帧
			continue
		}
		onEnvelope(f.Result.Message)
	}
}

// readErrorBody 截取错误响应体的前若干字节做诊断
func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
