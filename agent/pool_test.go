//go:build !windows

package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoSiYuan/cis/skill"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(PoolConfig{IdleTimeout: time.Minute, MaxSessions: 4})
	t.Cleanup(p.Close)
	return p
}

func TestSessionSendEcho(t *testing.T) {
	p := newTestPool(t)

	// cat echoes the prompt line back through the PTY.
	s, err := p.GetOrCreate(context.Background(), "echo", Config{Command: "cat"})
	require.NoError(t, err)
	assert.Equal(t, SessionStatusReady, s.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Send(ctx, "hello agent")
	require.NoError(t, err)
	assert.Contains(t, out, "hello agent")
}

func TestPoolReusesLiveSession(t *testing.T) {
	p := newTestPool(t)

	a, err := p.GetOrCreate(context.Background(), "k", Config{Command: "cat"})
	require.NoError(t, err)
	b, err := p.GetOrCreate(context.Background(), "k", Config{Command: "cat"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
}

func TestPoolTerminate(t *testing.T) {
	p := newTestPool(t)

	s, err := p.GetOrCreate(context.Background(), "k", Config{Command: "cat"})
	require.NoError(t, err)
	require.NoError(t, p.Terminate("k"))

	assert.Equal(t, SessionStatusDead, s.Status)
	_, ok := p.Get("k")
	assert.False(t, ok)
	assert.Error(t, p.Terminate("k"))
}

func TestSessionKillRecordsExit(t *testing.T) {
	p := newTestPool(t)

	s, err := p.GetOrCreate(context.Background(), "sleeper", Config{Command: "sleep", Args: []string{"300"}})
	require.NoError(t, err)
	require.NoError(t, s.Kill())

	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not die")
	}
	assert.Equal(t, SessionStatusDead, s.Status)
}

func TestSessionAttachDetach(t *testing.T) {
	p := newTestPool(t)
	s, err := p.GetOrCreate(context.Background(), "k", Config{Command: "cat"})
	require.NoError(t, err)

	f, err := s.Attach()
	require.NoError(t, err)
	assert.NotNil(t, f)

	_, err = s.Attach()
	assert.Error(t, err, "double attach rejected")

	s.Detach()
	_, err = s.Attach()
	assert.NoError(t, err)
}

func TestPoolList(t *testing.T) {
	p := newTestPool(t)
	_, err := p.GetOrCreate(context.Background(), "b", Config{Command: "cat"})
	require.NoError(t, err)
	_, err = p.GetOrCreate(context.Background(), "a", Config{Command: "cat"})
	require.NoError(t, err)

	assert.Len(t, p.List(), 2)
}

func TestRuntimeInvokeDisposable(t *testing.T) {
	p := newTestPool(t)
	r := NewRuntime(p, nil)

	manifest := &skill.Manifest{
		ID: "echo", Version: "1.0.0", Type: skill.TypeNative, Entry: "cat",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := r.Invoke(ctx, manifest, "run", map[string]string{"target": "x"})
	require.NoError(t, err)
	assert.Contains(t, out, "run target=x")

	// Non-reusable sessions are disposed after the invocation.
	assert.Empty(t, p.List())
}

func TestRenderPromptStableOrder(t *testing.T) {
	a := renderPrompt("run", map[string]string{"b": "2", "a": "1", "c": "3"})
	assert.Equal(t, "run a=1 b=2 c=3", a)
	assert.Equal(t, "run", renderPrompt("run", nil))
	assert.False(t, strings.Contains(renderPrompt("m", map[string]string{"k": "v"}), "  "))
}
