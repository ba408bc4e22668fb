package identity

import (
	"bytes"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// rfc8032Seed 是 RFC 8032 TEST 1 的 ed25519 种子
const rfc8032Seed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

// rfc8032Pub 是对应的公钥
const rfc8032Pub = "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"

func testIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := Generate()
	require.NoError(t, err)
	return id
}

func fixedIdentity(t *testing.T) *Identity {
	t.Helper()
	secpKey := make([]byte, 32)
	secpKey[31] = 0x01
	edSeed, err := hex.DecodeString(rfc8032Seed)
	require.NoError(t, err)

	id, err := FromSeeds(secpKey, edSeed)
	require.NoError(t, err)
	return id
}

func TestGenerateDerivations(t *testing.T) {
	id := testIdentity(t)
	pub := id.Public()

	assert.Len(t, pub.Secp256k1Pub, SecpPubUncompressedLen)
	assert.Equal(t, byte(0x04), pub.Secp256k1Pub[0])
	assert.Len(t, pub.Ed25519Pub, Ed25519PubLen)

	assert.Len(t, pub.EthAddress(), 42)
	assert.True(t, strings.HasPrefix(pub.EthAddress(), "0x"))
	assert.Equal(t, strings.ToLower(pub.EthAddress()), pub.EthAddress())

	assert.Len(t, pub.NostrPubKey(), 64)
	assert.Len(t, pub.PubSubID(), 130)
	assert.True(t, strings.HasPrefix(pub.PubSubID(), "04"))
	assert.Len(t, pub.IrohNodeID(), 64)
}

func TestFromSeedsDeterministic(t *testing.T) {
	a := fixedIdentity(t)
	b := fixedIdentity(t)

	assert.Equal(t, a.MagnetLink(), b.MagnetLink())
	assert.True(t, a.Public().Equal(b.Public()))
}

func TestFromSeedsKnownVectors(t *testing.T) {
	id := fixedIdentity(t)
	pub := id.Public()

	// secp256k1 私钥 1 的公钥是生成元 G，对应地址是公开的已知值
	assert.Equal(t, "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf", pub.EthAddress())
	assert.Equal(t,
		"79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",
		pub.NostrPubKey())
	assert.Equal(t, "04"+pub.NostrPubKey()+
		"483ada7726a3c4655da4fbfc0e1108a8fd17b448a68554199c47d08ffb10d4b8",
		pub.PubSubID())

	// RFC 8032 TEST 1
	assert.Equal(t, rfc8032Pub, pub.IrohNodeID())
}

func TestFromSeedsRejectsWrongLengths(t *testing.T) {
	_, err := FromSeeds(make([]byte, 31), make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	_, err = FromSeeds(make([]byte, 32)[:31], make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	secpKey := make([]byte, 32)
	secpKey[31] = 0x01
	_, err = FromSeeds(secpKey, make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestAddressFor(t *testing.T) {
	pub := fixedIdentity(t).Public()

	tests := []struct {
		proto types.Protocol
		want  string
	}{
		{types.ProtocolXMTP, pub.EthAddress()},
		{types.ProtocolNostr, pub.NostrPubKey()},
		{types.ProtocolWaku, pub.PubSubID()},
		{types.ProtocolMQTT, pub.PubSubID()},
		{types.ProtocolIroh, pub.IrohNodeID()},
	}
	for _, tt := range tests {
		got, err := pub.AddressFor(tt.proto)
		require.NoError(t, err, tt.proto)
		assert.Equal(t, tt.want, got, tt.proto)
	}

	_, err := pub.AddressFor(types.Protocol("carrier-pigeon"))
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestMagnetRoundTrip(t *testing.T) {
	id := testIdentity(t)
	link := id.MagnetLink()

	assert.True(t, strings.HasPrefix(link, MagnetPrefix))

	decoded, err := DecodeMagnet(link)
	require.NoError(t, err)

	assert.True(t, decoded.Equal(id.Public()))
	assert.Equal(t, id.Public().EthAddress(), decoded.EthAddress())
	assert.Equal(t, id.Public().IrohNodeID(), decoded.IrohNodeID())
}

func TestDecodeMagnetToleratesUnknownParams(t *testing.T) {
	id := testIdentity(t)
	link := id.MagnetLink() + "&dn=alice&tr=wss%3A%2F%2Fexample.org"

	decoded, err := DecodeMagnet(link)
	require.NoError(t, err)
	assert.True(t, decoded.Equal(id.Public()))
}

func TestDecodeMagnetStrict(t *testing.T) {
	valid := testIdentity(t).MagnetLink()

	tests := []struct {
		name string
		link string
	}{
		{"empty", ""},
		{"no prefix", strings.TrimPrefix(valid, MagnetPrefix)},
		{"wrong scheme", "https://example.org/?xt=urn:identity:v1"},
		{"wrong xt", strings.Replace(valid, "urn%3Aidentity%3Av1", "urn%3Abtih%3Av1", 1)},
		{"missing xt", removeParam(valid, "xt")},
		{"missing secp", removeParam(valid, "secp256k1pub")},
		{"missing ed25519", removeParam(valid, "ed25519pub")},
		{"missing eth", removeParam(valid, "eth")},
		{"secp too short", replaceParam(valid, "secp256k1pub", "04deadbeef")},
		{"secp bad hex", replaceParam(valid, "secp256k1pub", "04"+strings.Repeat("zz", 64))},
		{"secp compressed prefix", replaceParam(valid, "secp256k1pub", "02"+strings.Repeat("ab", 64))},
		{"secp not on curve", replaceParam(valid, "secp256k1pub", "04"+strings.Repeat("11", 64))},
		{"ed25519 too short", replaceParam(valid, "ed25519pub", "abcd")},
		{"ed25519 bad hex", replaceParam(valid, "ed25519pub", strings.Repeat("zz", 32))},
		{"eth no 0x", replaceParam(valid, "eth", strings.Repeat("ab", 21))},
		{"eth too short", replaceParam(valid, "eth", "0xabcd")},
		{"eth bad hex", replaceParam(valid, "eth", "0x"+strings.Repeat("zz", 20))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMagnet(tt.link)
			assert.ErrorIs(t, err, ErrInvalidMagnet)
		})
	}
}

func TestDecodeMagnetNormalizesEthCase(t *testing.T) {
	id := testIdentity(t)
	upper := strings.Replace(id.MagnetLink(),
		id.Public().EthAddress(),
		"0x"+strings.ToUpper(id.Public().EthAddress()[2:]), 1)

	decoded, err := DecodeMagnet(upper)
	require.NoError(t, err)
	assert.Equal(t, id.Public().EthAddress(), decoded.EthAddress())
}

func TestKeyfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.json")
	id := testIdentity(t)

	require.NoError(t, Save(id, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.Public().Equal(id.Public()))
	assert.Equal(t, id.SecpPrivHex(), loaded.SecpPrivHex())
	assert.True(t, bytes.Equal(id.Ed25519Priv(), loaded.Ed25519Priv()))
}

func TestLoadMissingKeyfile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLoadOrCreateStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)

	second, err := LoadOrCreate(path)
	require.NoError(t, err)

	assert.Equal(t, first.MagnetLink(), second.MagnetLink())
}

// removeParam 从磁力链接中删除一个参数
func removeParam(link, name string) string {
	parts := strings.Split(strings.TrimPrefix(link, MagnetPrefix), "&")
	kept := parts[:0]
	for _, p := range parts {
		if !strings.HasPrefix(p, name+"=") {
			kept = append(kept, p)
		}
	}
	return MagnetPrefix + strings.Join(kept, "&")
}

// replaceParam 替换磁力链接中一个参数的值
func replaceParam(link, name, value string) string {
	parts := strings.Split(strings.TrimPrefix(link, MagnetPrefix), "&")
	for i, p := range parts {
		if strings.HasPrefix(p, name+"=") {
			parts[i] = name + "=" + value
		}
	}
	return MagnetPrefix + strings.Join(parts, "&")
}
