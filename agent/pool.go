package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/skill"
)

// Pool defaults.
const (
	defaultIdleTimeout     = 30 * time.Minute
	defaultMaxSessions     = 16
	cleanupCheckInterval   = 1 * time.Minute
	defaultInvokeTimeoutMs = 120_000
)

// Pool is the session pool for native agents. Sessions are reused across
// invocations when the skill manifest allows it; otherwise each invocation
// gets a fresh session disposed of on completion.
type Pool struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	timeout  time.Duration
	maxSize  int
	done     chan struct{}
	wg       sync.WaitGroup
}

// PoolConfig configures the pool.
type PoolConfig struct {
	IdleTimeout time.Duration
	MaxSessions int
	Logger      *slog.Logger
}

// NewPool creates a pool and starts its idle-GC loop.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		sessions: make(map[string]*Session),
		logger:   cfg.Logger,
		timeout:  cfg.IdleTimeout,
		maxSize:  cfg.MaxSessions,
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.cleanupLoop()
	return p
}

// GetOrCreate returns the live session under key, or starts one.
func (p *Pool) GetOrCreate(ctx context.Context, key string, cfg Config) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[key]; ok && s.Status != SessionStatusDead {
		return s, nil
	}
	if len(p.sessions) >= p.maxSize {
		p.evictOldestIdleLocked()
		if len(p.sessions) >= p.maxSize {
			return nil, errors.Errorf("agent: session pool full (%d)", p.maxSize)
		}
	}

	s, err := startSession(ctx, cfg, p.logger)
	if err != nil {
		return nil, err
	}
	p.sessions[key] = s
	p.logger.Info("agent session started", "key", key, "session_id", s.ID, "command", cfg.Command)
	return s, nil
}

// Get returns the session under key.
func (p *Pool) Get(key string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[key]
	return s, ok
}

// Terminate kills and removes the session under key.
func (p *Pool) Terminate(key string) error {
	p.mu.Lock()
	s, ok := p.sessions[key]
	delete(p.sessions, key)
	p.mu.Unlock()
	if !ok {
		return errors.Errorf("agent: no session %s", key)
	}
	return s.Kill()
}

// List returns the pooled sessions sorted by key. A session whose process
// has exited stays listed until the next GC pass reaps it.
func (p *Pool) List() []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.sessions))
	for k := range p.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Session, 0, len(keys))
	for _, k := range keys {
		out = append(out, p.sessions[k])
	}
	return out
}

// Close kills every session and stops the GC loop.
func (p *Pool) Close() {
	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for k, s := range p.sessions {
		sessions = append(sessions, s)
		delete(p.sessions, k)
	}
	p.mu.Unlock()
	for _, s := range sessions {
		_ = s.Kill()
	}
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(cleanupCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	var victims []*Session
	for k, s := range p.sessions {
		if s.Status == SessionStatusDead || s.IsIdle(p.timeout) {
			victims = append(victims, s)
			delete(p.sessions, k)
		}
	}
	p.mu.Unlock()
	for _, s := range victims {
		p.logger.Info("reaping idle agent session", "session_id", s.ID)
		_ = s.Kill()
	}
}

func (p *Pool) evictOldestIdleLocked() {
	var oldestKey string
	var oldest *Session
	for k, s := range p.sessions {
		if s.Status != SessionStatusReady {
			continue
		}
		if oldest == nil || s.LastActive.Before(oldest.LastActive) {
			oldest, oldestKey = s, k
		}
	}
	if oldest != nil {
		delete(p.sessions, oldestKey)
		go func() { _ = oldest.Kill() }()
	}
}

// Runtime adapts the pool to skill.Runtime for native skills.
type Runtime struct {
	pool   *Pool
	logger *slog.Logger
}

// NewRuntime wraps a pool.
func NewRuntime(pool *Pool, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{pool: pool, logger: logger}
}

// Invoke implements skill.Runtime: resolve or start the session, send the
// rendered prompt, dispose of the session unless the manifest allows reuse.
func (r *Runtime) Invoke(ctx context.Context, manifest *skill.Manifest, method string, params map[string]string) (string, error) {
	key := manifest.ID
	if !manifest.ReuseSession {
		key = fmt.Sprintf("%s-%d", manifest.ID, time.Now().UnixNano())
	}

	workDir := ""
	if len(manifest.Requires.FSWrite) > 0 {
		workDir = manifest.Requires.FSWrite[0]
	} else if len(manifest.Requires.FSRead) > 0 {
		workDir = manifest.Requires.FSRead[0]
	}

	session, err := r.pool.GetOrCreate(ctx, key, Config{
		Command:      manifest.Entry,
		WorkDir:      workDir,
		Capabilities: manifest.Requires.FSRead,
	})
	if err != nil {
		return "", err
	}
	if !manifest.ReuseSession {
		defer func() { _ = r.pool.Terminate(key) }()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultInvokeTimeoutMs*time.Millisecond)
		defer cancel()
	}

	output, err := session.Send(ctx, renderPrompt(method, params))
	if err != nil {
		return output, errors.Wrapf(err, "agent: invoke %s.%s", manifest.ID, method)
	}
	return output, nil
}

// renderPrompt serializes an invocation into the line protocol the agent
// process reads: "method key=value ...", keys sorted for stable output.
func renderPrompt(method string, params map[string]string) string {
	if len(params) == 0 {
		return method
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(method)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	return b.String()
}
