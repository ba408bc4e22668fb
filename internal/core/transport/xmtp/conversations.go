package xmtp

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// conversationKeyPrefix 注册表里会话条目的键前缀
const conversationKeyPrefix = "conversation/"

// encryptionKey 从身份确定性派生注册表的加密密钥
//
// 派生规则不可更改：换规则等于丢掉用户既有的会话注册表。
func encryptionKey(ethAddr, privHex string) []byte {
	sum := sha256.Sum256([]byte("xmtp-encryption-" + ethAddr + "-" + privHex))
	return sum[:]
}

// dmTopicFor 返回与某个地址的私信内容主题
func dmTopicFor(ethAddr string) string {
	return "/xmtp/0/dm-" + ethAddr + "/proto"
}

// conversations 本地会话注册表
//
// 加密的 badger 库，记录与每个对端使用的内容主题。
// 同一对端复用既有主题，新对端落库后再返回。
type conversations struct {
	db *badger.DB
}

// openConversations 打开（或创建）某个身份的会话注册表
func openConversations(dir, ethAddr, privHex string) (*conversations, error) {
	path := filepath.Join(dir, "xmtp-"+ethAddr)
	opts := badger.DefaultOptions(path).
		WithEncryptionKey(encryptionKey(ethAddr, privHex)).
		WithIndexCacheSize(16 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open conversation registry at %s: %w", path, err)
	}
	return &conversations{db: db}, nil
}

// topicFor 返回与某个对端的会话主题，没有则创建并持久化
func (c *conversations) topicFor(peerEthAddr string) (string, error) {
	key := []byte(conversationKeyPrefix + peerEthAddr)

	var topic string
	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			topic = string(val)
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		topic = dmTopicFor(peerEthAddr)
		return txn.Set(key, []byte(topic))
	})
	if err != nil {
		return "", fmt.Errorf("conversation lookup for %s: %w", peerEthAddr, err)
	}
	return topic, nil
}

// count 返回注册表里的会话条数
func (c *conversations) count() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(conversationKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// close 关闭注册表
func (c *conversations) close() error {
	return c.db.Close()
}
