// Package agent manages long-lived out-of-process agents behind
// pseudoterminals: a session pool with idle GC, capability-scoped working
// directories, and TERM-then-KILL process control.
// agent 管理持久化的本地进程代理会话。
package agent

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// SessionStatus defines the current state of a session.
type SessionStatus string

const (
	SessionStatusStarting SessionStatus = "starting"
	SessionStatusReady    SessionStatus = "ready"
	SessionStatusBusy     SessionStatus = "busy"
	SessionStatusDead     SessionStatus = "dead"
)

// Session lifecycle constants.
const (
	statusBusyDuration = 2 * time.Second
	outputQuietWindow  = 300 * time.Millisecond
	killGracePeriod    = 5 * time.Second
)

// Config describes how to start a session.
type Config struct {
	Command    string
	Args       []string
	WorkDir    string
	Env        []string
	SocketPath string // set when the process supports background mode
	// Capabilities the session runs with; informational for attach surfaces.
	Capabilities []string
}

// Session is one persistent agent process behind a pseudoterminal.
type Session struct {
	ID         string
	Config     Config
	Cmd        *exec.Cmd
	CreatedAt  time.Time
	LastActive time.Time
	Status     SessionStatus
	ExitCode   int

	ptmx   *os.File
	cancel context.CancelFunc
	logger *slog.Logger

	mu       sync.Mutex
	buf      bytes.Buffer
	lastRead time.Time
	attached bool
	done     chan struct{}
}

// startSession launches the process on a fresh PTY and begins draining it.
// The session's lifetime is its own: it outlives the invocation context that
// created it and dies only through Kill or pool GC.
func startSession(_ context.Context, cfg Config, logger *slog.Logger) (*Session, error) {
	if cfg.Command == "" {
		return nil, errors.New("agent: command required")
	}
	sessCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(sessCtx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "agent: start %s", cfg.Command)
	}

	s := &Session{
		ID:         shortuuid.New(),
		Config:     cfg,
		Cmd:        cmd,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
		Status:     SessionStatusReady,
		ExitCode:   -1,
		ptmx:       ptmx,
		cancel:     cancel,
		logger:     logger,
		done:       make(chan struct{}),
	}

	go s.readLoop()
	go s.waitLoop()
	return s, nil
}

// readLoop drains the PTY into the session buffer.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(buf[:n])
			s.lastRead = time.Now()
			s.LastActive = time.Now()
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the process and records its exit status. Non-zero exit is
// failure for the runtime.
func (s *Session) waitLoop() {
	err := s.Cmd.Wait()
	s.mu.Lock()
	s.Status = SessionStatusDead
	if s.Cmd.ProcessState != nil {
		s.ExitCode = s.Cmd.ProcessState.ExitCode()
	}
	s.mu.Unlock()
	close(s.done)
	if err != nil {
		s.logger.Debug("agent session exited", "session_id", s.ID, "error", err)
	}
}

// Send writes a prompt to the PTY and collects output until the stream goes
// quiet or ctx expires.
func (s *Session) Send(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	if s.Status == SessionStatusDead {
		s.mu.Unlock()
		return "", errors.Errorf("agent: session %s is dead", s.ID)
	}
	s.Status = SessionStatusBusy
	s.buf.Reset()
	s.LastActive = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.Status == SessionStatusBusy {
			s.Status = SessionStatusReady
		}
		s.mu.Unlock()
	}()

	if _, err := s.ptmx.Write([]byte(prompt + "\n")); err != nil {
		return "", errors.Wrap(err, "agent: write prompt")
	}

	// Collect until the PTY stays quiet for a window, the process dies, or
	// the caller's deadline expires.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.takeOutput(), ctx.Err()
		case <-s.done:
			out := s.takeOutput()
			if s.ExitCode != 0 {
				return out, errors.Errorf("agent: process exited with status %d", s.ExitCode)
			}
			return out, nil
		case <-ticker.C:
			s.mu.Lock()
			quiet := !s.lastRead.IsZero() && time.Since(s.lastRead) > outputQuietWindow && s.buf.Len() > 0
			s.mu.Unlock()
			if quiet {
				return s.takeOutput(), nil
			}
		}
	}
}

func (s *Session) takeOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf.String()
	s.buf.Reset()
	return out
}

// Attach marks the session as operator-attached; Detach releases it.
func (s *Session) Attach() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == SessionStatusDead {
		return nil, errors.Errorf("agent: session %s is dead", s.ID)
	}
	if s.attached {
		return nil, errors.Errorf("agent: session %s already attached", s.ID)
	}
	s.attached = true
	return s.ptmx, nil
}

func (s *Session) Detach() {
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

// Kill terminates the process: graceful request first, hard kill after the
// grace period. Platform specifics live in signal_unix/signal_windows.
func (s *Session) Kill() error {
	// The session context drives exec.CommandContext, whose cancellation
	// is an immediate SIGKILL; it is cancelled only once Kill is done.
	defer s.cancel()
	s.closeIO()

	if s.Cmd.Process == nil {
		return nil
	}
	if err := terminateGracefully(s.Cmd.Process); err != nil {
		s.logger.Debug("graceful terminate failed", "session_id", s.ID, "error", err)
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(killGracePeriod):
	}
	if err := killHard(s.Cmd.Process); err != nil {
		return errors.Wrapf(err, "agent: kill session %s", s.ID)
	}
	<-s.done
	return nil
}

func (s *Session) closeIO() {
	_ = s.ptmx.Close()
}

// IsIdle reports whether the session has been inactive for longer than d.
func (s *Session) IsIdle(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status == SessionStatusReady && time.Since(s.LastActive) > d
}
