package filecrypt

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticKeyProvider(t *testing.T) {
	key := bytesOf(0x01, KeySize)

	p, err := NewStaticKeyProvider(key)
	require.NoError(t, err)

	got, err := p.RootKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	// callers may scrub what they are given
	clear(got)
	again, err := p.RootKey()
	require.NoError(t, err)
	assert.Equal(t, key, again)

	p.Wipe()
	wiped, err := p.RootKey()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, KeySize), wiped)
	assert.Equal(t, bytesOf(0x01, KeySize), key, "input key is copied")

	_, err = NewStaticKeyProvider(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestPasswordKeyProvider(t *testing.T) {
	key := bytesOf(0x01, KeySize)
	wrapped := testWrap(t, "password", key)

	p, err := NewPasswordKeyProvider("password", wrapped)
	require.NoError(t, err)

	got, err := p.RootKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	bad, err := NewPasswordKeyProvider("wrong", wrapped)
	require.NoError(t, err)
	_, err = bad.RootKey()
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = NewPasswordKeyProvider("password", "not a wrapped key")
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestPasswordKeyProvider_Rewrap(t *testing.T) {
	key := bytesOf(0x01, KeySize)
	wrapped := testWrap(t, "old", key)

	p, err := NewPasswordKeyProvider("old", wrapped)
	require.NoError(t, err)

	rewrapped, err := p.Rewrap("new", testWorkFactor)
	require.NoError(t, err)
	assert.NotEqual(t, wrapped, rewrapped)

	got, err := p.RootKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = UnwrapKey("new", rewrapped)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestEnvKeyProvider(t *testing.T) {
	const envVar = "FILECRYPT_TEST_KEY"
	key := bytesOf(0x01, KeySize)

	p := NewEnvKeyProvider(envVar)

	t.Run("unset", func(t *testing.T) {
		t.Setenv(envVar, "")
		_, err := p.RootKey()
		assert.Error(t, err)
	})

	t.Run("valid", func(t *testing.T) {
		t.Setenv(envVar, base64.StdEncoding.EncodeToString(key))
		got, err := p.RootKey()
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})

	t.Run("not base64", func(t *testing.T) {
		t.Setenv(envVar, "!!!")
		_, err := p.RootKey()
		assert.ErrorIs(t, err, ErrMalformedInput)
	})

	t.Run("wrong length", func(t *testing.T) {
		t.Setenv(envVar, base64.StdEncoding.EncodeToString(key[:16]))
		_, err := p.RootKey()
		assert.ErrorIs(t, err, ErrInvalidKeyLength)
	})
}
