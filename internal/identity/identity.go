// Package identity manages the node's decentralized identifier and its
// long-term Ed25519 signing key. The identity is created once at init,
// persisted at mode 0600 and destroyed only by explicit reset; nothing
// outside this package holds a copy of the private key.
// identity 管理节点 DID 与长期签名密钥。
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/internal/cryptoutil"
)

const (
	// DIDPrefix is the method prefix of every node DID.
	DIDPrefix = "did:cis:"

	documentFile = "identity.json"
	keyFile      = "identity.key"

	// secretFileMode is required on every file holding signing material.
	secretFileMode = os.FileMode(0o600)
)

// ErrNotFound is returned by Load when no identity has been generated yet.
var ErrNotFound = errors.New("identity: not found")

// Document is the persisted public half of an identity.
type Document struct {
	DID       string    `json:"did"`
	NodeID    string    `json:"node_id"`
	PublicKey string    `json:"public_key"` // hex-encoded Ed25519 public key
	CreatedAt time.Time `json:"created_at"`
}

// Identity owns the node DID and its signing key pair.
type Identity struct {
	did    string
	nodeID string
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
}

// Generate creates a fresh identity for nodeID. It does not persist anything.
func Generate(nodeID string) (*Identity, error) {
	if nodeID == "" {
		return nil, errors.New("identity: node id required")
	}
	if strings.ContainsAny(nodeID, ": \t\n") {
		return nil, errors.Errorf("identity: invalid node id %q", nodeID)
	}

	pub, priv, err := cryptoutil.GenerateSigningKey()
	if err != nil {
		return nil, err
	}

	return &Identity{
		did:    FormatDID(nodeID, pub),
		nodeID: nodeID,
		pub:    pub,
		priv:   priv,
	}, nil
}

// FormatDID renders the DID for a node id and public key:
// did:cis:{node_id}:{hex of the first 8 public key bytes}.
func FormatDID(nodeID string, pub ed25519.PublicKey) string {
	return fmt.Sprintf("%s%s:%s", DIDPrefix, nodeID, hex.EncodeToString(pub[:8]))
}

// ParseDID splits a DID into node id and short-key suffix.
func ParseDID(did string) (nodeID, keyShort string, err error) {
	if !strings.HasPrefix(did, DIDPrefix) {
		return "", "", errors.Errorf("identity: malformed did %q", did)
	}
	rest := strings.TrimPrefix(did, DIDPrefix)
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", errors.Errorf("identity: malformed did %q", did)
	}
	keyShort = rest[idx+1:]
	if len(keyShort) != 16 {
		return "", "", errors.Errorf("identity: malformed did key suffix %q", keyShort)
	}
	if _, err := hex.DecodeString(keyShort); err != nil {
		return "", "", errors.Errorf("identity: malformed did key suffix %q", keyShort)
	}
	return rest[:idx], keyShort, nil
}

// MatchesDID reports whether pub is the key a DID claims: the DID suffix must
// equal the first 8 bytes of pub. Remote peers present their full key during
// the handshake; this binds it to the DID they announced.
func MatchesDID(did string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	_, keyShort, err := ParseDID(did)
	if err != nil {
		return false
	}
	return keyShort == hex.EncodeToString(pub[:8])
}

// DID returns the node DID string.
func (i *Identity) DID() string { return i.did }

// NodeID returns the node id component of the DID.
func (i *Identity) NodeID() string { return i.nodeID }

// PublicKey returns the Ed25519 public key.
func (i *Identity) PublicKey() ed25519.PublicKey { return i.pub }

// Sign signs msg with the identity's private key.
func (i *Identity) Sign(msg []byte) []byte {
	return cryptoutil.Sign(i.priv, msg)
}

// Verify checks sig over msg against this identity's public key.
func (i *Identity) Verify(msg, sig []byte) bool {
	return cryptoutil.Verify(i.pub, msg, sig)
}

// MemoryKey derives the private-domain AEAD key from the signing seed and a
// per-install salt. The seed never leaves this package; only the derived key
// is handed out.
func (i *Identity) MemoryKey(salt []byte) []byte {
	return cryptoutil.DeriveKey(i.priv.Seed(), salt)
}

// Save persists the identity document and key seed under dir at mode 0600.
// Permission bits are re-verified after each write; a mismatch is fatal.
func (i *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "create identity dir %s", dir)
	}

	doc := Document{
		DID:       i.did,
		NodeID:    i.nodeID,
		PublicKey: hex.EncodeToString(i.pub),
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal identity document")
	}

	if err := writeSecretFile(filepath.Join(dir, documentFile), raw); err != nil {
		return err
	}
	return writeSecretFile(filepath.Join(dir, keyFile), []byte(hex.EncodeToString(i.priv.Seed())))
}

// Load reads a previously saved identity from dir.
func Load(dir string) (*Identity, error) {
	docRaw, err := os.ReadFile(filepath.Join(dir, documentFile))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read identity document")
	}

	var doc Document
	if err := json.Unmarshal(docRaw, &doc); err != nil {
		return nil, errors.Wrap(err, "parse identity document")
	}

	seedHex, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, errors.Wrap(err, "read identity key")
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(seedHex)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, errors.New("identity: corrupt key file")
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	if FormatDID(doc.NodeID, pub) != doc.DID {
		return nil, errors.New("identity: key does not match persisted did")
	}

	return &Identity{did: doc.DID, nodeID: doc.NodeID, pub: pub, priv: priv}, nil
}

// LoadOrGenerate loads an identity from dir, generating and saving one when
// none exists.
func LoadOrGenerate(dir, nodeID string) (*Identity, error) {
	ident, err := Load(dir)
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ident, err = Generate(nodeID)
	if err != nil {
		return nil, err
	}
	if err := ident.Save(dir); err != nil {
		return nil, err
	}
	return ident, nil
}

// Reset destroys the persisted identity. Irreversible.
func Reset(dir string) error {
	for _, name := range []string{documentFile, keyFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove %s", name)
		}
	}
	return nil
}

func writeSecretFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, secretFileMode); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	// WriteFile only applies the mode on creation; clamp and re-verify so a
	// pre-existing world-readable file cannot survive.
	if err := os.Chmod(path, secretFileMode); err != nil {
		return errors.Wrapf(err, "chmod %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	if info.Mode().Perm() != secretFileMode {
		return errors.Errorf("identity: %s has mode %o, want %o", path, info.Mode().Perm(), secretFileMode)
	}
	return nil
}
