package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateFormatsDID(t *testing.T) {
	ident, err := Generate("node-1")
	require.NoError(t, err)

	nodeID, keyShort, err := ParseDID(ident.DID())
	require.NoError(t, err)
	assert.Equal(t, "node-1", nodeID)
	assert.Len(t, keyShort, 16)
	assert.True(t, MatchesDID(ident.DID(), ident.PublicKey()))
}

func TestGenerateRejectsBadNodeID(t *testing.T) {
	for _, id := range []string{"", "has:colon", "has space"} {
		_, err := Generate(id)
		assert.Error(t, err, "node id %q", id)
	}
}

func TestParseDIDMalformed(t *testing.T) {
	testCases := []string{
		"",
		"did:web:node:0011223344556677",
		"did:cis:node",
		"did:cis:node:",
		"did:cis:node:tooshort",
		"did:cis:node:zzzzzzzzzzzzzzzz",
	}
	for _, did := range testCases {
		_, _, err := ParseDID(did)
		assert.Error(t, err, "did %q", did)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	ident, err := Generate("node-rt")
	require.NoError(t, err)
	require.NoError(t, ident.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ident.DID(), loaded.DID())
	assert.Equal(t, ident.PublicKey(), loaded.PublicKey())

	// Signatures made by the loaded identity verify against the original key.
	sig := loaded.Sign([]byte("msg"))
	assert.True(t, ident.Verify([]byte("msg"), sig))
}

func TestSaveFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	dir := t.TempDir()

	ident, err := Generate("node-perm")
	require.NoError(t, err)
	require.NoError(t, ident.Save(dir))

	for _, name := range []string{"identity.json", "identity.key"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), name)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadOrGenerateIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, "node-stable")
	require.NoError(t, err)
	second, err := LoadOrGenerate(dir, "node-stable")
	require.NoError(t, err)

	assert.Equal(t, first.DID(), second.DID())
}

func TestLoadDetectsKeyMismatch(t *testing.T) {
	dir := t.TempDir()

	ident, err := Generate("node-a")
	require.NoError(t, err)
	require.NoError(t, ident.Save(dir))

	other, err := Generate("node-a")
	require.NoError(t, err)
	require.NoError(t, writeSecretFile(filepath.Join(dir, "identity.key"),
		[]byte(hexSeed(other))))

	_, err = Load(dir)
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	dir := t.TempDir()

	ident, err := Generate("node-reset")
	require.NoError(t, err)
	require.NoError(t, ident.Save(dir))

	require.NoError(t, Reset(dir))
	_, err = Load(dir)
	assert.ErrorIs(t, err, ErrNotFound)

	// Resetting an empty dir is a no-op.
	require.NoError(t, Reset(dir))
}

func TestMemoryKeyDeterministic(t *testing.T) {
	ident, err := Generate("node-km")
	require.NoError(t, err)

	a := ident.MemoryKey([]byte("salt"))
	b := ident.MemoryKey([]byte("salt"))
	c := ident.MemoryKey([]byte("other"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func hexSeed(i *Identity) string {
	return string(mustHex(i.priv.Seed()))
}

func mustHex(b []byte) []byte {
	out := make([]byte, len(b)*2)
	const digits = "0123456789abcdef"
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0f]
	}
	return out
}
