package mqtt

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

func TestInboxTopic(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	topic := inboxTopic(id.Public().PubSubID())
	assert.True(t, strings.HasPrefix(topic, "dm/"))
	// 未压缩公钥 hex：04 前缀 + 64 字节
	assert.Len(t, topic, len("dm/")+130)
}

func TestClientID(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	hex := id.Public().PubSubID()

	cid := clientID(hex, 2)
	assert.Equal(t, "bc-"+hex[:16]+"-2", cid)
	// MQTT 3.1 对客户端标识长度最严：23 字节以内
	assert.LessOrEqual(t, len(cid), 23)

	assert.Equal(t, "bc-short-0", clientID("short", 0))
}

func TestClientIDDistinctPerBroker(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	hex := id.Public().PubSubID()

	assert.NotEqual(t, clientID(hex, 0), clientID(hex, 1))
}

func TestSendBeforeInit(t *testing.T) {
	recipient, err := identity.Generate()
	require.NoError(t, err)

	d := New(Config{Brokers: []string{"mqtt://broker.invalid:1883"}})
	res := d.Send(context.Background(), recipient.Public(), []byte("too early"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorKindNotInitialized, res.ErrorKind)
}

func TestInitRequiresBrokers(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	d := New(Config{})
	assert.Error(t, d.Init(context.Background(), id))
}

func TestStatusCountsPool(t *testing.T) {
	d := New(Config{Brokers: []string{"mqtt://a.invalid:1883", "mqtt://b.invalid:1883"}})
	st := d.Status()
	assert.Equal(t, 0, st.Connected)
	assert.Equal(t, 2, st.Total)
	assert.False(t, st.Ready())
}

func TestShutdownIdempotent(t *testing.T) {
	d := New(Config{Brokers: []string{"mqtt://a.invalid:1883"}})
	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, d.Shutdown(context.Background()))
}
