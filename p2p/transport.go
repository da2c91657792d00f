package p2p

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/MoSiYuan/cis/internal/identity"
	"github.com/MoSiYuan/cis/internal/version"
)

// Transport defaults.
const (
	DefaultPort = 7677

	heartbeatInterval = 5 * time.Second
	idleTimeout       = 60 * time.Second

	reconnectBase       = 100 * time.Millisecond
	reconnectCap        = 30 * time.Second
	reconnectMaxRetries = 8

	handshakeTimeout = 10 * time.Second
	requestTimeout   = 15 * time.Second
)

// ConnectionState tracks a peer's transport lifecycle.
type ConnectionState string

const (
	StateDiscovered ConnectionState = "discovered"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateDead       ConnectionState = "dead"
)

// PeerRecord is the application view of a peer.
type PeerRecord struct {
	DID             string
	NodeID          string
	Addresses       []string
	LastSeen        time.Time
	ConnectionState ConnectionState
	LastSyncAt      time.Time
}

// Gate admits or rejects an authenticated DID. The ACL implements it; the
// returned error closes the connection.
type Gate interface {
	Admit(did string) error
}

// Handler receives every application frame from an admitted connection.
type Handler func(conn *Conn, env *Envelope)

// Config configures the transport.
type Config struct {
	Port    int
	Gate    Gate
	Handler Handler
	Logger  *slog.Logger
}

// Transport is the QUIC listener/dialer plus the connection table.
type Transport struct {
	ident  *identity.Identity
	auth   *Authenticator
	gate   Gate
	logger *slog.Logger
	port   int

	handler Handler

	listener *quic.Listener

	mu      sync.RWMutex
	conns   map[string]*Conn            // DID -> connection
	pending map[string]chan *Envelope   // request id -> response oneshot
	peers   map[string]*PeerRecord      // DID -> record
	closed  bool
}

// Conn is one authenticated peer connection with its dedicated reader.
type Conn struct {
	DID        string
	RemoteAddr string

	stream  quic.Stream
	qconn   quic.Connection
	writeMu sync.Mutex

	transport *Transport
	lastSeen  time.Time
	seenMu    sync.Mutex
	closeOnce sync.Once
}

// NewTransport builds a transport for the local identity.
func NewTransport(ident *identity.Identity, cfg Config) *Transport {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		ident:   ident,
		auth:    NewAuthenticator(ident),
		gate:    cfg.Gate,
		logger:  cfg.Logger,
		port:    cfg.Port,
		handler: cfg.Handler,
		conns:   make(map[string]*Conn),
		pending: make(map[string]chan *Envelope),
		peers:   make(map[string]*PeerRecord),
	}
}

// Listen starts accepting connections on the configured UDP port.
func (t *Transport) Listen(ctx context.Context) error {
	tlsConf, err := t.tlsConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(fmt.Sprintf(":%d", t.port), tlsConf, t.quicConfig())
	if err != nil {
		return errors.Wrapf(err, "p2p: listen on %d", t.port)
	}
	t.listener = listener
	t.logger.Info("p2p transport listening", "port", t.port, "protocol", version.ProtocolID())

	go t.acceptLoop(ctx)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		qconn, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Error("accept failed", "error", err)
			}
			return
		}
		go t.handleIncoming(ctx, qconn)
	}
}

// handleIncoming runs the server side of the handshake: challenge, verify,
// ACL gate, then admit. The ACL decision lands in the audit log before the
// connection is handed to the application.
func (t *Transport) handleIncoming(ctx context.Context, qconn quic.Connection) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	stream, err := qconn.AcceptStream(hsCtx)
	if err != nil {
		_ = qconn.CloseWithError(1, "no stream")
		return
	}

	// The client's hello is what materializes the stream on this side; it
	// also carries the protocol id for a version check.
	hello, err := ReadFrame(stream)
	if err != nil || hello.Type != TypeHello {
		_ = qconn.CloseWithError(1, "no hello")
		return
	}
	var proto string
	if err := hello.Decode(&proto); err != nil || version.GetMinorVersion(trimProtocol(proto)) != version.GetMinorVersion(version.Version) {
		_ = qconn.CloseWithError(4, "protocol mismatch")
		return
	}

	challenge, err := t.auth.Challenge()
	if err != nil {
		_ = qconn.CloseWithError(1, "challenge failed")
		return
	}
	env, err := NewEnvelope(TypeDidChallenge, challenge)
	if err != nil || WriteFrame(stream, env) != nil {
		_ = qconn.CloseWithError(1, "challenge write failed")
		return
	}

	respEnv, err := ReadFrame(stream)
	if err != nil || respEnv.Type != TypeDidResponse {
		_ = qconn.CloseWithError(1, "bad handshake response")
		return
	}
	var response DidResponse
	if err := respEnv.Decode(&response); err != nil {
		_ = qconn.CloseWithError(1, "bad handshake response")
		return
	}

	did, err := t.auth.Verify(challenge, &response)
	if err != nil {
		t.logger.Warn("handshake verification failed", "error", err, "remote", qconn.RemoteAddr())
		_ = qconn.CloseWithError(2, "authentication failed")
		return
	}

	// Authentication succeeded; only now does the ACL speak. A valid
	// signature from an unlisted DID is rejected here, after verification.
	if t.gate != nil {
		if err := t.gate.Admit(did); err != nil {
			t.logger.Warn("acl rejected peer", "did", did, "error", err)
			_ = qconn.CloseWithError(3, "acl rejected")
			return
		}
	}

	okEnv, err := respEnv.Reply(TypeHandshakeOK, nil)
	if err != nil || WriteFrame(stream, okEnv) != nil {
		_ = qconn.CloseWithError(1, "handshake ack failed")
		return
	}

	t.admit(ctx, did, qconn, stream)
}

// Dial connects to addr, runs the client side of the handshake, and admits
// the connection.
func (t *Transport) Dial(ctx context.Context, addr string) (*Conn, error) {
	tlsConf, err := t.tlsConfig()
	if err != nil {
		return nil, err
	}
	tlsConf.InsecureSkipVerify = true // trust is the DID layer, not PKI

	qconn, err := quic.DialAddr(ctx, addr, tlsConf, t.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "p2p: dial %s", addr)
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	stream, err := qconn.OpenStreamSync(hsCtx)
	if err != nil {
		_ = qconn.CloseWithError(1, "no stream")
		return nil, errors.Wrap(err, "p2p: open stream")
	}
	// QUIC streams materialize on the peer at first write; the hello both
	// opens the stream server-side and announces our protocol version.
	helloEnv, err := NewEnvelope(TypeHello, version.ProtocolID())
	if err != nil || WriteFrame(stream, helloEnv) != nil {
		_ = qconn.CloseWithError(1, "hello failed")
		return nil, errors.New("p2p: write hello")
	}

	chalEnv, err := ReadFrame(stream)
	if err != nil || chalEnv.Type != TypeDidChallenge {
		_ = qconn.CloseWithError(1, "no challenge")
		return nil, errors.New("p2p: expected did_challenge")
	}
	var challenge DidChallenge
	if err := chalEnv.Decode(&challenge); err != nil {
		_ = qconn.CloseWithError(1, "bad challenge")
		return nil, err
	}

	// Gate the server's claimed DID as well; a whitelist node will not
	// speak to an unlisted server.
	if t.gate != nil {
		if err := t.gate.Admit(challenge.ChallengerDID); err != nil {
			_ = qconn.CloseWithError(3, "acl rejected")
			return nil, errors.Wrapf(err, "p2p: server %s rejected by acl", challenge.ChallengerDID)
		}
	}

	response, err := t.auth.Respond(&challenge)
	if err != nil {
		_ = qconn.CloseWithError(1, "respond failed")
		return nil, err
	}
	respEnv, err := chalEnv.Reply(TypeDidResponse, response)
	if err != nil || WriteFrame(stream, respEnv) != nil {
		_ = qconn.CloseWithError(1, "response write failed")
		return nil, errors.New("p2p: write response")
	}

	okEnv, err := ReadFrame(stream)
	if err != nil || okEnv.Type != TypeHandshakeOK {
		_ = qconn.CloseWithError(2, "handshake refused")
		return nil, errors.New("p2p: handshake refused by peer")
	}

	conn := t.admit(ctx, challenge.ChallengerDID, qconn, stream)
	return conn, nil
}

// DialWithRetry dials with exponential backoff, 100 ms base, capped.
func (t *Transport) DialWithRetry(ctx context.Context, addr string) (*Conn, error) {
	backoff := reconnectBase
	var lastErr error
	for attempt := 0; attempt < reconnectMaxRetries; attempt++ {
		conn, err := t.Dial(ctx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		t.logger.Debug("dial failed, backing off", "addr", addr, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
	return nil, errors.Wrapf(lastErr, "p2p: dial %s exhausted %d retries", addr, reconnectMaxRetries)
}

// admit installs an authenticated connection and starts its reader and
// heartbeat.
func (t *Transport) admit(ctx context.Context, did string, qconn quic.Connection, stream quic.Stream) *Conn {
	conn := &Conn{
		DID:        did,
		RemoteAddr: qconn.RemoteAddr().String(),
		stream:     stream,
		qconn:      qconn,
		transport:  t,
		lastSeen:   time.Now(),
	}

	t.mu.Lock()
	if old, ok := t.conns[did]; ok {
		old.close("replaced")
	}
	t.conns[did] = conn
	nodeID, _, _ := identity.ParseDID(did)
	t.peers[did] = &PeerRecord{
		DID:             did,
		NodeID:          nodeID,
		Addresses:       []string{conn.RemoteAddr},
		LastSeen:        time.Now(),
		ConnectionState: StateConnected,
	}
	t.mu.Unlock()

	t.logger.Info("peer admitted", "did", did, "remote", conn.RemoteAddr)
	go conn.readLoop()
	go conn.heartbeatLoop(ctx)
	return conn
}

// Conn returns the live connection for did.
func (t *Transport) Conn(did string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[did]
	return c, ok
}

// Peers snapshots the peer table.
func (t *Transport) Peers() []PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// Send writes one envelope to a peer.
func (t *Transport) Send(did string, env *Envelope) error {
	conn, ok := t.Conn(did)
	if !ok {
		return errors.Errorf("p2p: no connection to %s", did)
	}
	return conn.Send(env)
}

// Request sends an envelope and awaits the correlated response. Every
// outward call carries an explicit timeout.
func (t *Transport) Request(ctx context.Context, did string, env *Envelope) (*Envelope, error) {
	conn, ok := t.Conn(did)
	if !ok {
		return nil, errors.Errorf("p2p: no connection to %s", did)
	}

	ch := make(chan *Envelope, 1)
	t.mu.Lock()
	t.pending[env.RequestID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, env.RequestID)
		t.mu.Unlock()
	}()

	if err := conn.Send(env); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}
	select {
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "p2p: request %s to %s", env.Type, did)
	case resp := <-ch:
		return resp, nil
	}
}

// Close shuts the transport down.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.close("shutdown")
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// Send writes one frame; writes are serialized per connection.
func (c *Conn) Send(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.stream, env); err != nil {
		c.close("write failed")
		return err
	}
	return nil
}

// readLoop frames messages, updates last-seen, answers pings and routes
// responses to pending requests; everything else goes to the handler.
func (c *Conn) readLoop() {
	t := c.transport
	for {
		env, err := ReadFrame(c.stream)
		if err != nil {
			var tooLarge *FrameTooLargeError
			if errors.As(err, &tooLarge) {
				t.logger.Warn("oversized frame, closing connection", "did", c.DID, "size", tooLarge.Size)
			}
			c.close("read failed")
			return
		}
		c.touch()

		// Responses to our own requests resolve the pending oneshot; this
		// includes pongs answering a requested ping.
		t.mu.Lock()
		ch, isResponse := t.pending[env.RequestID]
		if isResponse {
			delete(t.pending, env.RequestID)
		}
		t.mu.Unlock()
		if isResponse {
			ch <- env
			continue
		}

		switch env.Type {
		case TypePing:
			pong, err := env.Reply(TypePong, nil)
			if err == nil {
				_ = c.Send(pong)
			}
			continue
		case TypePong:
			continue
		}

		if t.handler != nil {
			t.handler(c, env)
		}
	}
}

// heartbeatLoop pings every interval and closes the connection when the
// peer falls silent past the idle timeout.
func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.close("context cancelled")
			return
		case <-ticker.C:
			if time.Since(c.LastSeen()) > idleTimeout {
				c.transport.logger.Info("peer idle, closing", "did", c.DID)
				c.close("idle timeout")
				return
			}
			ping, err := NewEnvelope(TypePing, nil)
			if err != nil {
				continue
			}
			if err := c.Send(ping); err != nil {
				return
			}
		}
	}
}

func (c *Conn) touch() {
	c.seenMu.Lock()
	c.lastSeen = time.Now()
	c.seenMu.Unlock()

	c.transport.mu.Lock()
	if p, ok := c.transport.peers[c.DID]; ok {
		p.LastSeen = time.Now()
	}
	c.transport.mu.Unlock()
}

// LastSeen returns the time of the last frame from this peer.
func (c *Conn) LastSeen() time.Time {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.lastSeen
}

func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		_ = c.qconn.CloseWithError(0, reason)
		t := c.transport
		t.mu.Lock()
		if t.conns[c.DID] == c {
			delete(t.conns, c.DID)
			if p, ok := t.peers[c.DID]; ok {
				p.ConnectionState = StateDead
			}
		}
		t.mu.Unlock()
	})
}

// tlsConfig builds the node's ephemeral TLS identity. PKI is irrelevant
// here; authentication happens at the DID layer.
func (t *Transport) tlsConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: generate tls key")
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:     []string{t.ident.NodeID()},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: self-sign tls cert")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: marshal tls key")
	}
	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: build tls pair")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{version.ProtocolID()},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// trimProtocol strips the "cis/" prefix off a protocol id.
func trimProtocol(proto string) string {
	const prefix = "cis/"
	if len(proto) > len(prefix) && proto[:len(prefix)] == prefix {
		return proto[len(prefix):]
	}
	return proto
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: heartbeatInterval,
	}
}
