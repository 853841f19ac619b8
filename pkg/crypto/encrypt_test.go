package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	plaintext := []byte("webhook shared secret")

	ciphertext, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(ciphertext, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)

	// A different key must not open the payload.
	otherKey := bytes.Repeat([]byte("x"), 32)
	_, err = Decrypt(ciphertext, otherKey)
	require.Error(t, err)
}

func TestEncryptKeySize(t *testing.T) {
	_, err := Encrypt([]byte("data"), []byte("short"))
	require.Error(t, err)
	_, err = Decrypt([]byte("data"), []byte("short"))
	require.Error(t, err)
}

func TestDecryptTruncated(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	_, err := Decrypt([]byte("short"), key)
	require.Error(t, err)
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(32)
	require.NoError(t, err)
	b, err := RandomToken(32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
