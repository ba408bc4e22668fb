package waku

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

// 自动分片参数
const (
	// clusterID 静态分片集群号
	clusterID = 1

	// shardCount 集群内的分片数
	shardCount = 8
)

// 内容主题常量
const (
	contentTopicApp      = "broadcast"
	contentTopicVersion  = "1"
	contentTopicEncoding = "proto"
)

// ContentTopic 是解析后的内容主题 /{app}/{version}/{name}/{encoding}
type ContentTopic struct {
	App      string
	Version  string
	Name     string
	Encoding string
}

// String 还原内容主题的字符串形式
func (ct ContentTopic) String() string {
	return fmt.Sprintf("/%s/%s/%s/%s", ct.App, ct.Version, ct.Name, ct.Encoding)
}

// ParseContentTopic 解析内容主题字符串
func ParseContentTopic(s string) (ContentTopic, error) {
	if !strings.HasPrefix(s, "/") {
		return ContentTopic{}, fmt.Errorf("invalid content topic %q: missing leading slash", s)
	}
	parts := strings.Split(s[1:], "/")
	if len(parts) != 4 {
		return ContentTopic{}, fmt.Errorf("invalid content topic %q: want /{app}/{version}/{name}/{encoding}", s)
	}
	for _, p := range parts {
		if p == "" {
			return ContentTopic{}, fmt.Errorf("invalid content topic %q: empty segment", s)
		}
	}
	return ContentTopic{App: parts[0], Version: parts[1], Name: parts[2], Encoding: parts[3]}, nil
}

// ShardFor 计算内容主题落入的分片
//
// 分片只由应用名与版本决定：同一应用的全部内容主题
// 共享一个网格，按内容主题在客户端过滤。
func ShardFor(ct ContentTopic) uint16 {
	sum := sha256.Sum256([]byte(ct.App + ct.Version))
	return uint16(binary.BigEndian.Uint64(sum[24:32]) % shardCount)
}

// PubsubTopicFor 把内容主题映射到承载它的网格主题
func PubsubTopicFor(contentTopic string) (string, error) {
	ct, err := ParseContentTopic(contentTopic)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/waku/2/rs/%d/%d", clusterID, ShardFor(ct)), nil
}

// contentTopicFor 返回某个公钥的私信内容主题
func contentTopicFor(pubHex string) string {
	return ContentTopic{
		App:      contentTopicApp,
		Version:  contentTopicVersion,
		Name:     "dm-" + pubHex,
		Encoding: contentTopicEncoding,
	}.String()
}
