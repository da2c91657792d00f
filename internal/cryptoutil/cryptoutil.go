// Package cryptoutil provides the fixed cryptographic suite used across the
// node: ChaCha20-Poly1305 AEAD, Argon2id key derivation, Ed25519 signatures
// and X25519 key agreement.
// cryptoutil 提供节点使用的固定密码学套件。
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the AEAD key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Argon2id parameters. Tuned for interactive key derivation on commodity
// hardware; changing them invalidates every key derived so far.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// Encrypt seals plaintext with ChaCha20-Poly1305 under key. The returned
// ciphertext is nonce || sealed, with a fresh 96-bit random nonce per call.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "create aead")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}

	// Seal appends to the nonce slice so the result carries the nonce prefix.
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt under the same key.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "create aead")
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	// A non-nil destination keeps an empty plaintext as []byte{} rather
	// than nil, so the round trip returns exactly what was encrypted.
	plaintext, err := aead.Open(make([]byte, 0, len(sealed)), nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt")
	}
	return plaintext, nil
}

// DeriveKey stretches secret into a KeySize-byte AEAD key with Argon2id.
// The salt must be stable per install; rotating it rotates every derived key.
func DeriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, KeySize)
}

// GenerateSigningKey creates a fresh Ed25519 key pair.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate ed25519 key")
	}
	return pub, priv, nil
}

// Sign signs msg with the Ed25519 private key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SharedSecret derives an X25519 shared secret from a local private scalar
// and a remote public point.
func SharedSecret(priv, pub []byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, errors.Wrap(err, "x25519")
	}
	return secret, nil
}

// RandomBytes returns n cryptographically strong random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "read random")
	}
	return b, nil
}
