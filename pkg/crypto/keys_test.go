package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyBox_RoundTrip(t *testing.T) {
	box, err := NewKeyBox("test-secret")
	require.NoError(t, err)

	blob, err := box.Encrypt("sk-tenant-api-key-12345")
	require.NoError(t, err)
	assert.NotContains(t, blob, "sk-tenant")

	plain, err := box.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "sk-tenant-api-key-12345", plain)
}

func TestKeyBox_BlobsAreSaltedPerCall(t *testing.T) {
	box, err := NewKeyBox("test-secret")
	require.NoError(t, err)

	b1, err := box.Encrypt("same plaintext")
	require.NoError(t, err)
	b2, err := box.Encrypt("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, b1, b2)
}

func TestKeyBox_WrongSecretFails(t *testing.T) {
	box1, err := NewKeyBox("secret-one")
	require.NoError(t, err)
	box2, err := NewKeyBox("secret-two")
	require.NoError(t, err)

	blob, err := box1.Encrypt("payload")
	require.NoError(t, err)

	_, err = box2.Decrypt(blob)
	assert.Error(t, err)
}

func TestKeyBox_MalformedBlob(t *testing.T) {
	box, err := NewKeyBox("secret")
	require.NoError(t, err)

	_, err = box.Decrypt("not base64 at all!!!")
	assert.ErrorIs(t, err, ErrMalformedBlob)

	_, err = box.Decrypt("AAAA")
	assert.ErrorIs(t, err, ErrMalformedBlob)
}

func TestKeyBox_EmptySecretRejected(t *testing.T) {
	_, err := NewKeyBox("")
	assert.Error(t, err)
}
