package p2p

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/internal/cryptoutil"
	"github.com/MoSiYuan/cis/internal/identity"
)

// Handshake limits.
const (
	nonceBytes = 32
	// challengeMaxAge bounds the window between challenge issuance and
	// response acceptance.
	challengeMaxAge = 30 * time.Second
	// usedNonceRetention keeps consumed nonces long enough that a replayed
	// response can never race the expiry.
	usedNonceRetention = 5 * time.Minute
)

// DidChallenge is sent by the accepting side of a new connection.
type DidChallenge struct {
	Nonce         []byte    `json:"nonce"`
	ChallengerDID string    `json:"challenger_did"`
	Timestamp     time.Time `json:"timestamp"`
}

// DidResponse answers a challenge. The full public key rides along; the
// verifier binds it to the DID before trusting the signature.
type DidResponse struct {
	ResponderDID string `json:"responder_did"`
	PublicKey    string `json:"public_key"` // hex-encoded Ed25519 key
	Signature    []byte `json:"signature"`
}

// challengeBytes is the canonical signing input: the JSON encoding of the
// challenge itself.
func challengeBytes(c *DidChallenge) ([]byte, error) {
	raw, err := json.Marshal(c)
	return raw, errors.Wrap(err, "p2p: canonicalize challenge")
}

// Authenticator issues challenges and verifies responses on the accepting
// side. Nonces are single-use: pending until answered, then remembered so a
// replayed response is rejected.
type Authenticator struct {
	ident   *identity.Identity
	pending *gocache.Cache
	used    *gocache.Cache
}

// NewAuthenticator builds an authenticator for the local identity.
func NewAuthenticator(ident *identity.Identity) *Authenticator {
	return &Authenticator{
		ident:   ident,
		pending: gocache.New(challengeMaxAge, time.Minute),
		used:    gocache.New(usedNonceRetention, time.Minute),
	}
}

// Challenge issues a fresh challenge with 32 cryptographically strong
// random bytes.
func (a *Authenticator) Challenge() (*DidChallenge, error) {
	nonce, err := cryptoutil.RandomBytes(nonceBytes)
	if err != nil {
		return nil, err
	}
	c := &DidChallenge{
		Nonce:         nonce,
		ChallengerDID: a.ident.DID(),
		Timestamp:     time.Now().UTC(),
	}
	a.pending.SetDefault(hex.EncodeToString(nonce), c)
	return c, nil
}

// Respond signs a received challenge with the local identity.
func (a *Authenticator) Respond(c *DidChallenge) (*DidResponse, error) {
	msg, err := challengeBytes(c)
	if err != nil {
		return nil, err
	}
	return &DidResponse{
		ResponderDID: a.ident.DID(),
		PublicKey:    hex.EncodeToString(a.ident.PublicKey()),
		Signature:    a.ident.Sign(msg),
	}, nil
}

// Verify checks a response against the challenge this authenticator issued.
// On success the nonce is consumed and the responder's DID returned.
func (a *Authenticator) Verify(c *DidChallenge, r *DidResponse) (string, error) {
	nonceKey := hex.EncodeToString(c.Nonce)

	if _, replayed := a.used.Get(nonceKey); replayed {
		return "", errors.New("p2p: nonce reuse rejected")
	}
	cached, ok := a.pending.Get(nonceKey)
	if !ok {
		return "", errors.New("p2p: unknown or expired challenge nonce")
	}
	issued := cached.(*DidChallenge)
	if time.Since(issued.Timestamp) > challengeMaxAge {
		return "", errors.New("p2p: challenge expired")
	}

	pubBytes, err := hex.DecodeString(r.PublicKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return "", errors.New("p2p: malformed responder public key")
	}
	pub := ed25519.PublicKey(pubBytes)

	// The DID binds the key: its suffix must be the key's first 8 bytes.
	if !identity.MatchesDID(r.ResponderDID, pub) {
		return "", errors.Errorf("p2p: public key does not match did %s", r.ResponderDID)
	}

	msg, err := challengeBytes(issued)
	if err != nil {
		return "", err
	}
	if !cryptoutil.Verify(pub, msg, r.Signature) {
		return "", errors.Errorf("p2p: invalid signature from %s", r.ResponderDID)
	}

	a.pending.Delete(nonceKey)
	a.used.SetDefault(nonceKey, struct{}{})
	return r.ResponderDID, nil
}
