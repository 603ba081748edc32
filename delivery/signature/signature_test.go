package signature

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSecret(t *testing.T) {
	t.Run("success - generated secret parses back", func(t *testing.T) {
		secret, err := GenerateSecret(MinSecretBytes)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(secret.String(), SecretPrefix))

		parsed, err := ParseSecret(secret.String())
		require.NoError(t, err)
		assert.Equal(t, secret.raw, parsed.raw)
	})

	t.Run("error - missing prefix", func(t *testing.T) {
		_, err := ParseSecret("abc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prefix")
	})

	t.Run("error - invalid base64", func(t *testing.T) {
		_, err := ParseSecret(SecretPrefix + "!!!")
		require.Error(t, err)
	})

	t.Run("error - too short", func(t *testing.T) {
		_, err := ParseSecret(SecretPrefix + "c2hvcnQ=")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret size")
	})

	t.Run("error - generate with invalid size", func(t *testing.T) {
		_, err := GenerateSecret(MaxSecretBytes + 1)
		require.Error(t, err)
	})
}

func TestSignAndVerify(t *testing.T) {
	secret, err := GenerateSecret(32)
	require.NoError(t, err)
	ts := time.Unix(1700000000, 0)
	body := []byte(`{"event":{"id":"evt-1"}}`)

	t.Run("success - signature verifies", func(t *testing.T) {
		sig, err := Sign(secret, "evt-1", ts, body)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sig, "v1,"))

		ok, err := Verify(secret, "evt-1", ts, body, sig)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("success - one of several signatures matches", func(t *testing.T) {
		sig, err := Sign(secret, "evt-1", ts, body)
		require.NoError(t, err)

		ok, err := Verify(secret, "evt-1", ts, body, "v1,bm9wZQ== "+sig)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("failure - tampered body", func(t *testing.T) {
		sig, err := Sign(secret, "evt-1", ts, body)
		require.NoError(t, err)

		ok, err := Verify(secret, "evt-1", ts, []byte(`{}`), sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("error - message id with dot", func(t *testing.T) {
		_, err := Sign(secret, "evt.1", ts, body)
		require.Error(t, err)
	})
}

func TestHeaders(t *testing.T) {
	secret, err := GenerateSecret(32)
	require.NoError(t, err)
	ts := time.Unix(1700000000, 0)

	headers, err := Headers(secret, "evt-1", ts, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", headers[HeaderID])
	assert.Equal(t, strconv.FormatInt(ts.Unix(), 10), headers[HeaderTimestamp])

	ok, err := Verify(secret, "evt-1", ts, []byte(`{}`), headers[HeaderSignature])
	require.NoError(t, err)
	assert.True(t, ok)
}
