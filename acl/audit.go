// Package acl enforces the node's peer-admission policy and keeps the
// append-only audit trail of every security-relevant decision.
// acl 实现节点准入控制与审计日志。
package acl

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit log rotation limits.
const (
	auditMaxSizeMB  = 100 // per-file cap before rotation
	auditMaxBackups = 10
)

// AuditEvent names.
const (
	EventAclAccept        = "AclAccept"
	EventAclReject        = "AclReject"
	EventAclQuarantine    = "AclQuarantine"
	EventModeChange       = "ModeChange"
	EventListMutation     = "ListMutation"
	EventSandboxViolation = "SandboxViolation"
)

// AuditRecord is one append-only log line.
type AuditRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	DID       string         `json:"did,omitempty"`
	Mode      Mode           `json:"mode,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// AuditLog is the size-rotated, append-only admission log.
type AuditLog struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	logger *slog.Logger
}

// OpenAuditLog creates the log at path, 0600, with max-size rotation.
func OpenAuditLog(path string, logger *slog.Logger) (*AuditLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "acl: create audit dir for %s", path)
	}
	a := &AuditLog{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    auditMaxSizeMB,
			MaxBackups: auditMaxBackups,
			Compress:   false,
		},
		logger: logger,
	}
	// Touch the file so the permission clamp happens at open, not at the
	// first admission decision.
	if err := a.Record(AuditRecord{Event: "AuditOpened"}); err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, errors.Wrapf(err, "acl: chmod audit log %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "acl: stat audit log %s", path)
	}
	if info.Mode().Perm() != 0o600 {
		return nil, errors.Errorf("acl: audit log %s has mode %o, want 0600", path, info.Mode().Perm())
	}
	return a, nil
}

// Record appends one JSON line. The write completes before the caller
// proceeds, which is what puts the decision in the log before the
// connection outcome is applied.
func (a *AuditLog) Record(rec AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "acl: marshal audit record")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.writer.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "acl: append audit record")
	}
	return nil
}

// RecordViolation implements the sandbox's audit sink.
func (a *AuditLog) RecordViolation(skillID string, class string, detail string) {
	if err := a.Record(AuditRecord{
		Event:  EventSandboxViolation,
		Detail: detail,
		Extra:  map[string]any{"skill_id": skillID, "syscall": class},
	}); err != nil {
		a.logger.Error("audit write failed", "error", err)
	}
}

// Close flushes and closes the log.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writer.Close()
}
