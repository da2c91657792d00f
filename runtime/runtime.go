// Package runtime owns the node's subsystems as siblings and wires them
// with capability handles: the scheduler dispatches to skills, skills reach
// memory through the sandbox bridge, public memory commits flow to the DHT.
// No subsystem holds a back-reference to another; cross-calls go through
// the narrow interfaces each one exports.
package runtime

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/MoSiYuan/cis/acl"
	"github.com/MoSiYuan/cis/agent"
	"github.com/MoSiYuan/cis/internal/cryptoutil"
	"github.com/MoSiYuan/cis/internal/identity"
	"github.com/MoSiYuan/cis/internal/metrics"
	"github.com/MoSiYuan/cis/internal/profile"
	"github.com/MoSiYuan/cis/memory"
	"github.com/MoSiYuan/cis/p2p"
	"github.com/MoSiYuan/cis/p2p/dht"
	"github.com/MoSiYuan/cis/p2p/discovery"
	"github.com/MoSiYuan/cis/sandbox"
	"github.com/MoSiYuan/cis/scheduler"
	"github.com/MoSiYuan/cis/skill"
	"github.com/MoSiYuan/cis/store"
	"github.com/MoSiYuan/cis/store/db"
	"github.com/MoSiYuan/cis/vector"
)

// memoryKeySaltFile is the per-install salt file name for the private-domain
// key derivation.
const memoryKeySaltFile = "memory.salt"

// Runtime is the long-lived owner of the node's subsystems. Constructed at
// startup, torn down at shutdown; no lazy initialization in hot paths.
type Runtime struct {
	Profile   *profile.Profile
	Identity  *identity.Identity
	Store     *store.Store
	Memory    *memory.Service
	Skills    *skill.Manager
	Scheduler *scheduler.Scheduler
	Transport *p2p.Transport
	DHT       *dht.DHT
	Discovery *discovery.Service
	ACL       *acl.Manager
	Audit     *acl.AuditLog
	Metrics   *metrics.Exporter

	agentPool *agent.Pool
	logger    *slog.Logger
	maint     *maintenance
	cancel    context.CancelFunc
}

// dhtPublisher adapts the DHT to the memory service's Publisher capability:
// committed public entries become opportunistic STOREs.
type dhtPublisher struct {
	dht *dht.DHT
}

// PublicKeyPrefix namespaces public memory on the DHT. Reserved siblings
// for task results and agent announcements.
const (
	PublicKeyPrefix        = "memory:public:"
	TaskResultKeyPrefix    = "task:result:"
	AgentAnnounceKeyPrefix = "agent:announce:"
)

func (p *dhtPublisher) PublishPublic(ctx context.Context, key string, value []byte) error {
	return p.dht.PutValue(ctx, PublicKeyPrefix+key, value, dht.DefaultEntryTTL)
}

// auditAdapter lets the sandbox write syscall violations into the ACL
// audit trail without depending on the acl package.
type auditAdapter struct {
	audit *acl.AuditLog
}

func (a *auditAdapter) RecordViolation(skillID string, class sandbox.SyscallClass, detail string) {
	a.audit.RecordViolation(skillID, string(class), detail)
}

// New constructs the full runtime from a validated profile.
func New(p *profile.Profile, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{Profile: p, logger: logger}

	// Identity first: everything below signs or derives from it.
	ident, err := identity.LoadOrGenerate(p.IdentityDir(), p.NodeID)
	if err != nil {
		return nil, err
	}
	r.Identity = ident

	// Process-wide resources with a declared lifecycle.
	r.Metrics = metrics.NewExporter(metrics.Config{})
	audit, err := acl.OpenAuditLog(p.AuditLogPath(), logger)
	if err != nil {
		return nil, err
	}
	r.Audit = audit

	aclManager, err := acl.Load(ident, p.ACLPath(), audit, logger)
	if err != nil {
		return nil, err
	}
	r.ACL = aclManager

	driver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, err
	}
	r.Store = store.New(driver, p)

	var embedder vector.EmbeddingService
	if p.IsEmbeddingEnabled() {
		provider, err := vector.NewProvider(vector.ConfigFromProfile(p))
		if err != nil {
			return nil, err
		}
		embedder = provider
	}

	salt, err := loadOrCreateSalt(p)
	if err != nil {
		return nil, err
	}
	memorySvc, err := memory.NewService(driver, memory.Config{
		Key:           ident.MemoryKey(salt),
		CacheCapacity: 4096,
		CacheTTL:      10 * time.Minute,
		Embedder:      embedder,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	r.Memory = memorySvc

	// P2P: transport gated by the ACL, DHT on top, mDNS peers dialed once
	// the ACL admits them.
	r.Transport = p2p.NewTransport(ident, p2p.Config{
		Port:    p.P2PPort,
		Gate:    aclManager,
		Logger:  logger,
		Handler: r.handleFrame,
	})

	dhtStorage, err := dht.OpenStorage(p.DHTStorePath())
	if err != nil {
		return nil, err
	}
	r.DHT = dht.New(dht.Config{
		Self: dht.Contact{
			ID:   dht.FromPublicKey(ident.PublicKey()),
			DID:  ident.DID(),
			Addr: p.P2PAdvertisedAddr,
		},
		Storage: dhtStorage,
		Client:  dht.NewClient(r.Transport, logger),
		Logger:  logger,
	})

	r.Discovery = discovery.NewService(aclManager, logger)
	r.Discovery.OnDialable = r.onPeerDialable

	// Now that the DHT exists, give memory its publication capability.
	// The handle carries only PublishPublic; memory never sees the DHT.
	memorySvc.SetPublisher(&dhtPublisher{dht: r.DHT})

	// Skill runtimes.
	r.agentPool = agent.NewPool(agent.PoolConfig{Logger: logger})
	wasmRuntime := sandbox.NewRuntime(sandbox.Config{
		ModuleDir: filepath.Join(p.Data, "skills"),
		Memory:    r.Memory,
		Embedder:  embedder,
		Audit:     &auditAdapter{audit: audit},
		Logger:    logger,
	})
	registry := skill.NewRegistry()
	r.Skills = skill.NewManager(registry, map[skill.Type]skill.Runtime{
		skill.TypeWasm:   wasmRuntime,
		skill.TypeNative: agent.NewRuntime(r.agentPool, logger),
	}, logger)

	r.Scheduler = scheduler.NewScheduler(r.Skills, scheduler.Config{
		WorkerPoolSize: p.WorkerPoolSize,
		Logger:         logger,
	})

	r.maint = newMaintenance(r, logger)
	return r, nil
}

// Start brings the runtime online: scheduler loop, transport listener,
// discovery, maintenance jobs.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.Transport.Listen(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := r.Scheduler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if r.Profile.MDNSEnabled {
		if err := r.Discovery.Announce(discovery.Announcement{
			NodeID: r.Profile.NodeID,
			DID:    r.Identity.DID(),
			Port:   r.Profile.P2PPort,
		}); err != nil {
			r.logger.Warn("mdns announce failed", "error", err)
		}
		g.Go(func() error {
			r.Discovery.Browse(gctx)
			return nil
		})
	}

	r.maint.start()
	r.logger.Info("runtime started",
		"did", r.Identity.DID(), "port", r.Profile.P2PPort, "acl_mode", r.ACL.Mode())

	go func() {
		if err := g.Wait(); err != nil {
			r.logger.Error("runtime group exited", "error", err)
		}
	}()
	return nil
}

// Shutdown tears the runtime down in reverse dependency order.
func (r *Runtime) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.maint != nil {
		r.maint.stop()
	}
	if r.Discovery != nil {
		r.Discovery.Close()
	}
	if r.Transport != nil {
		_ = r.Transport.Close()
	}
	if r.agentPool != nil {
		r.agentPool.Close()
	}
	if r.Memory != nil {
		_ = r.Memory.Close()
	}
	if r.Store != nil {
		_ = r.Store.Close()
	}
	if r.Audit != nil {
		_ = r.Audit.Close()
	}
	r.logger.Info("runtime stopped")
}

// handleFrame routes application frames: DHT RPCs first, with quarantined
// peers recorded but never served data.
func (r *Runtime) handleFrame(conn *p2p.Conn, env *p2p.Envelope) {
	if r.ACL.IsQuarantined(conn.DID) {
		r.logger.Debug("dropping frame from quarantined peer", "did", conn.DID, "type", env.Type)
		return
	}
	if r.DHT.HandleRPC(conn, env) {
		return
	}
	r.logger.Debug("unhandled frame", "did", conn.DID, "type", env.Type)
}

// onPeerDialable dials an admitted mDNS peer in the background. It does not
// add the peer to the DHT routing table.
func (r *Runtime) onPeerDialable(p discovery.Peer) {
	if len(p.Addresses) == 0 {
		return
	}
	nodeID, _, err := identity.ParseDID(p.DID)
	if err != nil || nodeID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := r.Transport.DialWithRetry(ctx, p.Addresses[0]); err != nil {
			r.logger.Debug("dial discovered peer failed", "did", p.DID, "error", err)
		}
	}()
}

// loadOrCreateSalt keeps the per-install private-domain salt next to the
// database, 0600 like every other secret file.
func loadOrCreateSalt(p *profile.Profile) ([]byte, error) {
	path := filepath.Join(p.Data, memoryKeySaltFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read salt %s", path)
	}
	salt, err := cryptoutil.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, errors.Wrapf(err, "write salt %s", path)
	}
	return salt, nil
}
