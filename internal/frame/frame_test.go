package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeProducesVerifiableFrame(t *testing.T) {
	f, err := New("LOGIN", "1", "USER", map[string]any{"PIN": "1234"}, 1700000000)
	require.NoError(t, err)

	data, err := f.Encode()
	require.NoError(t, err)

	assert.True(t, Verify(data), "encoded frame must carry a valid checksum")
	assert.Contains(t, string(data), `"CMD":"LOGIN"`)
	assert.Contains(t, string(data), `"SENDER":"HomeAssistant"`)
	assert.NotContains(t, string(data), "0x0000", "placeholder checksum must be replaced")
}

func TestVerifyRejectsTamperedFrame(t *testing.T) {
	f, err := New("READ", "2", "MULTI_TYPES", map[string]any{"TYPES": []string{"ZONES"}}, 1700000000)
	require.NoError(t, err)

	data, err := f.Encode()
	require.NoError(t, err)
	require.True(t, Verify(data))

	tampered := bytes.Replace(data, []byte("ZONES"), []byte("ZONEZ"), 1)
	assert.False(t, Verify(tampered))
}

func TestVerifyIsCaseInsensitive(t *testing.T) {
	f, err := New("LOGIN", "1", "USER", map[string]any{"PIN": "1234"}, 1700000000)
	require.NoError(t, err)

	data, err := f.Encode()
	require.NoError(t, err)

	// Some firmware writes the hex digits upper-case.
	idx := bytes.Index(data, []byte(crcKey))
	require.GreaterOrEqual(t, idx, 0)
	start := idx + len(crcKey)
	end := start + bytes.IndexByte(data[start:], '"')
	require.Greater(t, end, start)

	upper := append([]byte{}, data[:start]...)
	upper = append(upper, bytes.ToUpper(data[start:end])...)
	upper = append(upper, data[end:]...)
	assert.True(t, Verify(upper))
}

func TestDecode(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		f, err := New("REALTIME", "3", "REGISTER", map[string]any{"TYPES": []string{"STATUS_ZONES"}}, 1700000000)
		require.NoError(t, err)
		data, err := f.Encode()
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, "REALTIME", got.Cmd)
		assert.Equal(t, "3", got.ID)
		assert.Equal(t, "REGISTER", got.PayloadType)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := Decode([]byte("{not json"))
		assert.Error(t, err)
	})

	t.Run("rejects missing cmd", func(t *testing.T) {
		_, err := Decode([]byte(`{"SENDER":"x","ID":"1"}`))
		assert.Error(t, err)
	})
}

func TestPayloadMap(t *testing.T) {
	t.Run("object payload", func(t *testing.T) {
		f, err := Decode([]byte(`{"CMD":"LOGIN_RES","PAYLOAD":{"RESULT":"OK","ID_LOGIN":"99"}}`))
		require.NoError(t, err)
		payload := f.PayloadMap()
		assert.Equal(t, "OK", payload["RESULT"])
		assert.Equal(t, "99", payload["ID_LOGIN"])
	})

	t.Run("absent payload yields empty map", func(t *testing.T) {
		f, err := Decode([]byte(`{"CMD":"PING"}`))
		require.NoError(t, err)
		assert.Empty(t, f.PayloadMap())
	})
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, "0x0000", Checksum(""))

	a := Checksum("some frame text")
	b := Checksum("some frame text")
	c := Checksum("some frame texT")
	assert.Equal(t, a, b, "checksum must be deterministic")
	assert.NotEqual(t, a, c, "checksum must be input sensitive")
	assert.Regexp(t, `^0x[0-9a-f]{4}$`, a)
}
