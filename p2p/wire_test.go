package p2p

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypePing, map[string]string{"from": "node-1"})
	require.NoError(t, err)
	require.NotEmpty(t, env.RequestID)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypePing, got.Type)
	assert.Equal(t, env.RequestID, got.RequestID)

	var payload map[string]string
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "node-1", payload["from"])
}

func TestReplyKeepsRequestID(t *testing.T) {
	env, err := NewEnvelope(TypeFindValue, nil)
	require.NoError(t, err)

	reply, err := env.Reply(TypeFindValueReply, nil)
	require.NoError(t, err)
	assert.Equal(t, env.RequestID, reply.RequestID)
	assert.Equal(t, TypeFindValueReply, reply.Type)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameBytes+1)
	buf.Write(prefix[:])

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	var tooLarge *FrameTooLargeError
	assert.ErrorAs(t, err, &tooLarge)
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	big := make([]byte, MaxFrameBytes)
	env, err := NewEnvelope(TypeStore, map[string]any{"value": big})
	require.NoError(t, err)

	var buf bytes.Buffer
	err = WriteFrame(&buf, env)
	require.Error(t, err)
	var tooLarge *FrameTooLargeError
	assert.ErrorAs(t, err, &tooLarge)
	assert.Zero(t, buf.Len(), "nothing written for a rejected frame")
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.WriteString("short")

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}
