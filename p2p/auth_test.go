package p2p

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoSiYuan/cis/internal/identity"
)

func testIdentity(t *testing.T, nodeID string) *identity.Identity {
	t.Helper()
	ident, err := identity.Generate(nodeID)
	require.NoError(t, err)
	return ident
}

func TestHandshakeRoundTrip(t *testing.T) {
	server := NewAuthenticator(testIdentity(t, "server"))
	clientIdent := testIdentity(t, "client")
	client := NewAuthenticator(clientIdent)

	challenge, err := server.Challenge()
	require.NoError(t, err)
	assert.Len(t, challenge.Nonce, 32)
	assert.Equal(t, server.ident.DID(), challenge.ChallengerDID)

	response, err := client.Respond(challenge)
	require.NoError(t, err)

	did, err := server.Verify(challenge, response)
	require.NoError(t, err)
	assert.Equal(t, clientIdent.DID(), did)
}

func TestHandshakeRejectsNonceReuse(t *testing.T) {
	server := NewAuthenticator(testIdentity(t, "server"))
	client := NewAuthenticator(testIdentity(t, "client"))

	challenge, err := server.Challenge()
	require.NoError(t, err)
	response, err := client.Respond(challenge)
	require.NoError(t, err)

	_, err = server.Verify(challenge, response)
	require.NoError(t, err)

	_, err = server.Verify(challenge, response)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce reuse")
}

func TestHandshakeRejectsUnknownNonce(t *testing.T) {
	server := NewAuthenticator(testIdentity(t, "server"))
	client := NewAuthenticator(testIdentity(t, "client"))

	forged := &DidChallenge{
		Nonce:         bytes.Repeat([]byte{0x42}, 32),
		ChallengerDID: server.ident.DID(),
		Timestamp:     time.Now(),
	}
	response, err := client.Respond(forged)
	require.NoError(t, err)

	_, err = server.Verify(forged, response)
	assert.Error(t, err)
}

func TestHandshakeRejectsExpiredChallenge(t *testing.T) {
	server := NewAuthenticator(testIdentity(t, "server"))
	client := NewAuthenticator(testIdentity(t, "client"))

	challenge, err := server.Challenge()
	require.NoError(t, err)
	challenge.Timestamp = time.Now().Add(-time.Minute)

	response, err := client.Respond(challenge)
	require.NoError(t, err)

	_, err = server.Verify(challenge, response)
	require.Error(t, err)
}

func TestHandshakeRejectsWrongKey(t *testing.T) {
	server := NewAuthenticator(testIdentity(t, "server"))
	client := NewAuthenticator(testIdentity(t, "client"))
	imposter := testIdentity(t, "imposter")

	challenge, err := server.Challenge()
	require.NoError(t, err)
	response, err := client.Respond(challenge)
	require.NoError(t, err)

	// Swap in a key that does not match the claimed DID.
	response.PublicKey = bytesToHex(imposter.PublicKey())
	_, err = server.Verify(challenge, response)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match did")
}

func TestHandshakeRejectsTamperedSignature(t *testing.T) {
	server := NewAuthenticator(testIdentity(t, "server"))
	client := NewAuthenticator(testIdentity(t, "client"))

	challenge, err := server.Challenge()
	require.NoError(t, err)
	response, err := client.Respond(challenge)
	require.NoError(t, err)

	response.Signature[0] ^= 0xff
	_, err = server.Verify(challenge, response)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid signature")
}

func bytesToHex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0f]
	}
	return string(out)
}
