package cryptoutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey([]byte("secret"), []byte("per-install-salt"))

	testCases := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hello")},
		{"binary", []byte{0x00, 0xff, 0x7f, 0x80}},
		{"large", bytes.Repeat([]byte("abcd"), 4096)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := Encrypt(key, tc.plaintext)
			require.NoError(t, err)

			// Nonce (12) + tag (16) overhead; the bytes on the wire must not
			// contain the plaintext for non-trivial inputs.
			assert.Equal(t, len(tc.plaintext)+12+16, len(ciphertext))
			if len(tc.plaintext) > 0 {
				assert.False(t, bytes.Contains(ciphertext, tc.plaintext))
			}

			plaintext, err := Decrypt(key, ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, plaintext)
		})
	}
}

func TestEncryptFreshNoncePerCall(t *testing.T) {
	key := DeriveKey([]byte("secret"), []byte("salt"))

	a, err := Encrypt(key, []byte("same plaintext"))
	require.NoError(t, err)
	b, err := Encrypt(key, []byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, a[:12], b[:12], "nonce must be fresh per write")
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	key := DeriveKey([]byte("secret"), []byte("salt"))
	ciphertext, err := Encrypt(key, []byte("payload"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = Decrypt(key, ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsShortInput(t *testing.T) {
	key := DeriveKey([]byte("secret"), []byte("salt"))
	_, err := Decrypt(key, []byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey([]byte("secret"), []byte("salt"))
	b := DeriveKey([]byte("secret"), []byte("salt"))
	c := DeriveKey([]byte("secret"), []byte("other-salt"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, KeySize)
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	require.NoError(t, err)

	msg := []byte("challenge envelope")
	sig := Sign(priv, msg)

	assert.True(t, Verify(pub, msg, sig))
	assert.False(t, Verify(pub, []byte("other message"), sig))

	otherPub, _, err := GenerateSigningKey()
	require.NoError(t, err)
	assert.False(t, Verify(otherPub, msg, sig))
}

func TestVerifyMalformedInputs(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	require.NoError(t, err)
	sig := Sign(priv, []byte("msg"))

	assert.False(t, Verify(pub[:10], []byte("msg"), sig))
	assert.False(t, Verify(pub, []byte("msg"), sig[:16]))
}

func TestSharedSecretAgreement(t *testing.T) {
	alicePriv, err := RandomBytes(32)
	require.NoError(t, err)
	bobPriv, err := RandomBytes(32)
	require.NoError(t, err)

	alicePub, err := SharedSecret(alicePriv, basepoint())
	require.NoError(t, err)
	bobPub, err := SharedSecret(bobPriv, basepoint())
	require.NoError(t, err)

	ab, err := SharedSecret(alicePriv, bobPub)
	require.NoError(t, err)
	ba, err := SharedSecret(bobPriv, alicePub)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
}

func basepoint() []byte {
	b := make([]byte, 32)
	b[0] = 9
	return b
}
