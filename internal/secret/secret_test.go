package secret

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestParseKey(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 7
	for _, in := range []string{
		base64.StdEncoding.EncodeToString(key),
		"base64:" + base64.StdEncoding.EncodeToString(key),
		"hex:" + hex.EncodeToString(key),
		" " + hex.EncodeToString(key) + "\n",
	} {
		got, err := ParseKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, key, got)
	}

	_, err := ParseKey("hex:" + strings.Repeat("ab", 16))
	assert.ErrorContains(t, err, "invalid key length")
	_, err = ParseKey("")
	assert.Error(t, err)
}

func TestLookupEnv(t *testing.T) {
	t.Setenv(EnvKey, "hex:"+strings.Repeat("01", 32))
	got, err := Lookup(Source{Kind: "env"})
	require.NoError(t, err)
	assert.Len(t, got, 32)

	t.Setenv(EnvKey, "")
	_, err = Lookup(Source{Kind: "env"})
	assert.Error(t, err)
}

func TestLookupKeyring(t *testing.T) {
	keyring.MockInit()
	text := "hex:" + strings.Repeat("02", 32)
	require.NoError(t, Store("hosttrace-test", "captures", text))

	got, err := Lookup(Source{Kind: "keyring", Service: "hosttrace-test", User: "captures"})
	require.NoError(t, err)
	assert.Equal(t, byte(2), got[31])

	_, err = Lookup(Source{Kind: "keyring", Service: "hosttrace-test", User: "nobody"})
	assert.Error(t, err)
}
