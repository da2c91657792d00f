package acl

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/internal/cryptoutil"
	"github.com/MoSiYuan/cis/internal/identity"
)

// Mode is the node's admission posture.
type Mode string

const (
	// ModeOpen accepts any authenticated peer.
	ModeOpen Mode = "open"
	// ModeWhitelist accepts only listed DIDs. The default, with an empty
	// list: closed by default.
	ModeWhitelist Mode = "whitelist"
	// ModeSolitary rejects all peers.
	ModeSolitary Mode = "solitary"
	// ModeQuarantine accepts all, delivers no data, records everything.
	ModeQuarantine Mode = "quarantine"
)

// Verdict is the three-way admission outcome.
type Verdict string

const (
	VerdictAccept     Verdict = "accept"
	VerdictReject     Verdict = "reject"
	VerdictQuarantine Verdict = "quarantine"
)

// Entry is one list member, optionally expiring.
type Entry struct {
	DID       string    `json:"did"`
	AddedAt   time.Time `json:"added_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero = never
	Reason    string    `json:"reason,omitempty"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Document is the persisted, signed ACL state.
type Document struct {
	LocalDID  string    `json:"local_did"`
	Mode      Mode      `json:"mode"`
	Whitelist []Entry   `json:"whitelist"`
	Blacklist []Entry   `json:"blacklist"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Signature []byte    `json:"signature,omitempty"`
}

// signingBytes is the canonical signature input: the document's JSON
// encoding with the signature field empty.
func (d *Document) signingBytes() ([]byte, error) {
	clone := *d
	clone.Signature = nil
	raw, err := json.Marshal(&clone)
	return raw, errors.Wrap(err, "acl: canonicalize document")
}

// ErrRejected is the typed admission refusal.
var ErrRejected = errors.New("acl: peer rejected")

// Manager owns the ACL document, its signed persistence, and the audit
// trail of every decision.
type Manager struct {
	ident  *identity.Identity
	path   string
	audit  *AuditLog
	logger *slog.Logger

	mu  sync.RWMutex
	doc Document
}

// Load reads the ACL file, verifying its signature, or initializes the
// default closed posture when none exists.
func Load(ident *identity.Identity, path string, audit *AuditLog, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{ident: ident, path: path, audit: audit, logger: logger}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m.doc = Document{
			LocalDID:  ident.DID(),
			Mode:      ModeWhitelist, // closed by default
			Version:   1,
			UpdatedAt: time.Now().UTC(),
		}
		if err := m.persistLocked(); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "acl: read %s", path)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "acl: parse document")
	}
	msg, err := doc.signingBytes()
	if err != nil {
		return nil, err
	}
	if doc.LocalDID != ident.DID() {
		return nil, errors.Errorf("acl: document belongs to %s, local identity is %s", doc.LocalDID, ident.DID())
	}
	if !cryptoutil.Verify(ident.PublicKey(), msg, doc.Signature) {
		// A signature failure on load is an invariant violation: abort.
		return nil, errors.New("acl: document signature invalid")
	}
	m.doc = doc
	return m, nil
}

// Mode returns the current mode.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Mode
}

// Version returns the document version.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Version
}

// Decide evaluates a DID: blacklist first, then the mode's rule. Expired
// entries are ignored.
func (m *Manager) Decide(did string) Verdict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()

	for _, e := range m.doc.Blacklist {
		if e.DID == did && !e.expired(now) {
			return VerdictReject
		}
	}

	switch m.doc.Mode {
	case ModeOpen:
		return VerdictAccept
	case ModeSolitary:
		return VerdictReject
	case ModeQuarantine:
		return VerdictQuarantine
	default: // whitelist
		for _, e := range m.doc.Whitelist {
			if e.DID == did && !e.expired(now) {
				return VerdictAccept
			}
		}
		return VerdictReject
	}
}

// Admit implements the transport gate: the decision is recorded in the
// audit log before the connection is admitted or rejected. Quarantined
// peers are admitted at the transport; data suppression happens above.
func (m *Manager) Admit(did string) error {
	verdict := m.Decide(did)

	event := EventAclAccept
	switch verdict {
	case VerdictReject:
		event = EventAclReject
	case VerdictQuarantine:
		event = EventAclQuarantine
	}
	if m.audit != nil {
		if err := m.audit.Record(AuditRecord{Event: event, DID: did, Mode: m.Mode()}); err != nil {
			// An unauditable decision fails closed.
			return errors.Wrap(err, "acl: audit write failed")
		}
	}

	if verdict == VerdictReject {
		return errors.Wrapf(ErrRejected, "did %s in mode %s", did, m.Mode())
	}
	return nil
}

// IsQuarantined reports whether data from did must be suppressed.
func (m *Manager) IsQuarantined(did string) bool {
	return m.Decide(did) == VerdictQuarantine
}

// SetMode changes the admission posture.
func (m *Manager) SetMode(mode Mode) error {
	switch mode {
	case ModeOpen, ModeWhitelist, ModeSolitary, ModeQuarantine:
	default:
		return errors.Errorf("acl: unknown mode %q", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Mode = mode
	if err := m.bumpAndPersistLocked(); err != nil {
		return err
	}
	m.recordMutation(EventModeChange, "", string(mode))
	return nil
}

// AddToWhitelist admits a DID, optionally until expiry.
func (m *Manager) AddToWhitelist(did string, expiresAt time.Time, reason string) error {
	return m.addEntry(did, expiresAt, reason, true)
}

// AddToBlacklist bans a DID, optionally until expiry.
func (m *Manager) AddToBlacklist(did string, expiresAt time.Time, reason string) error {
	return m.addEntry(did, expiresAt, reason, false)
}

func (m *Manager) addEntry(did string, expiresAt time.Time, reason string, white bool) error {
	if _, _, err := identity.ParseDID(did); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := Entry{DID: did, AddedAt: time.Now().UTC(), ExpiresAt: expiresAt, Reason: reason}
	list := &m.doc.Blacklist
	which := "blacklist"
	if white {
		list = &m.doc.Whitelist
		which = "whitelist"
	}
	for i, e := range *list {
		if e.DID == did {
			(*list)[i] = entry
			if err := m.bumpAndPersistLocked(); err != nil {
				return err
			}
			m.recordMutation(EventListMutation, did, "update "+which)
			return nil
		}
	}
	*list = append(*list, entry)
	if err := m.bumpAndPersistLocked(); err != nil {
		return err
	}
	m.recordMutation(EventListMutation, did, "add "+which)
	return nil
}

// Remove drops a DID from both lists.
func (m *Manager) Remove(did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	filter := func(list []Entry) []Entry {
		out := list[:0]
		for _, e := range list {
			if e.DID != did {
				out = append(out, e)
			}
		}
		return out
	}
	m.doc.Whitelist = filter(m.doc.Whitelist)
	m.doc.Blacklist = filter(m.doc.Blacklist)
	if err := m.bumpAndPersistLocked(); err != nil {
		return err
	}
	m.recordMutation(EventListMutation, did, "remove")
	return nil
}

// bumpAndPersistLocked signs the mutated document under a new version and
// writes it at 0600.
func (m *Manager) bumpAndPersistLocked() error {
	m.doc.Version++
	m.doc.UpdatedAt = time.Now().UTC()
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	msg, err := m.doc.signingBytes()
	if err != nil {
		return err
	}
	m.doc.Signature = m.ident.Sign(msg)

	raw, err := json.MarshalIndent(&m.doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "acl: marshal document")
	}
	if err := os.WriteFile(m.path, raw, 0o600); err != nil {
		return errors.Wrapf(err, "acl: write %s", m.path)
	}
	if err := os.Chmod(m.path, 0o600); err != nil {
		return errors.Wrapf(err, "acl: chmod %s", m.path)
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return errors.Wrapf(err, "acl: stat %s", m.path)
	}
	if info.Mode().Perm() != os.FileMode(0o600) {
		return errors.Errorf("acl: %s has mode %o, want 0600", m.path, info.Mode().Perm())
	}
	return nil
}

func (m *Manager) recordMutation(event, did, detail string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(AuditRecord{Event: event, DID: did, Mode: m.doc.Mode, Detail: detail}); err != nil {
		m.logger.Error("audit write failed", "event", event, "error", err)
	}
}
