package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start a node.
type Profile struct {
	// Node identity
	NodeID string // Stable identifier of this host within the cluster

	// Unified embedding configuration (OpenAI-compatible protocol)
	AIEmbeddingProvider string
	AIEmbeddingModel    string
	AIEmbeddingAPIKey   string
	AIEmbeddingBaseURL  string
	AIEmbeddingDim      int // Vector dimension, fixed per install
	AIEmbeddingTimeout  int // Request timeout in seconds

	// P2P configuration
	P2PPort           int    // QUIC listen port
	P2PAdvertisedAddr string // Address announced over mDNS, empty = autodetect
	MDNSEnabled       bool

	// Scheduler configuration
	WorkerPoolSize int // Bounded pool executing task invocations

	// Other configurations
	Mode    string
	Data    string // Node-local data directory
	Driver  string
	DSN     string
	Version string
}

// Provider default configurations for embeddings.
// Used when CIS_AI_EMBEDDING_BASE_URL is not explicitly set.
var embeddingProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
	Dim     int
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "text-embedding-3-small",
		Dim:     1536,
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "BAAI/bge-m3",
		Dim:     1024,
	},
	"ollama": {
		BaseURL: "http://localhost:11434",
		Model:   "nomic-embed-text",
		Dim:     768,
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsEmbeddingEnabled returns true if an embedding API key is configured.
// Without it hybrid search degrades to lexical-only.
func (p *Profile) IsEmbeddingEnabled() bool {
	return p.AIEmbeddingAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	if p.NodeID == "" {
		p.NodeID = getEnvOrDefault("CIS_NODE_ID", "")
	}
	if p.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			p.NodeID = sanitizeNodeID(host)
		}
	}

	// Embedding configuration
	p.AIEmbeddingProvider = getEnvOrDefault("CIS_AI_EMBEDDING_PROVIDER", "siliconflow")
	p.AIEmbeddingAPIKey = getEnvOrDefault("CIS_AI_EMBEDDING_API_KEY", "")
	p.AIEmbeddingBaseURL = getEnvOrDefault("CIS_AI_EMBEDDING_BASE_URL", "")
	p.AIEmbeddingModel = getEnvOrDefault("CIS_AI_EMBEDDING_MODEL", "")
	p.AIEmbeddingDim = getEnvOrDefaultInt("CIS_AI_EMBEDDING_DIM", 0)
	p.AIEmbeddingTimeout = getEnvOrDefaultInt("CIS_AI_EMBEDDING_TIMEOUT_SECONDS", 30)

	if p.AIEmbeddingProvider != "" {
		if _, ok := embeddingProviderDefaults[p.AIEmbeddingProvider]; !ok {
			slog.Warn("Unknown embedding provider, using default: siliconflow", "provider", p.AIEmbeddingProvider)
			p.AIEmbeddingProvider = "siliconflow"
		}
	}
	if defaults, ok := embeddingProviderDefaults[p.AIEmbeddingProvider]; ok {
		if p.AIEmbeddingBaseURL == "" {
			p.AIEmbeddingBaseURL = defaults.BaseURL
		}
		if p.AIEmbeddingModel == "" {
			p.AIEmbeddingModel = defaults.Model
		}
		if p.AIEmbeddingDim == 0 {
			p.AIEmbeddingDim = defaults.Dim
		}
	}

	// P2P configuration
	if p.P2PPort == 0 {
		p.P2PPort = getEnvOrDefaultInt("CIS_P2P_PORT", 7677)
	}
	p.P2PAdvertisedAddr = getEnvOrDefault("CIS_P2P_ADVERTISED_ADDR", "")
	p.MDNSEnabled = getEnvOrDefault("CIS_MDNS_ENABLED", "true") == "true"

	// Scheduler configuration
	if p.WorkerPoolSize == 0 {
		p.WorkerPoolSize = getEnvOrDefaultInt("CIS_WORKER_POOL_SIZE", 8)
	}
}

// sanitizeNodeID strips characters the DID format reserves.
func sanitizeNodeID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "cis")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/cis"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.NodeID == "" {
		return errors.New("node id required")
	}

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("cis_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	if p.P2PPort <= 0 || p.P2PPort > 65535 {
		return errors.Errorf("invalid p2p port %d", p.P2PPort)
	}
	if p.WorkerPoolSize <= 0 {
		p.WorkerPoolSize = 8
	}

	return nil
}

// IdentityDir is where the DID document and signing key live.
func (p *Profile) IdentityDir() string {
	return filepath.Join(p.Data, "identity")
}

// AuditLogPath is the append-only admission log.
func (p *Profile) AuditLogPath() string {
	return filepath.Join(p.Data, "audit", "audit.log")
}

// ACLPath is the signed access-control document.
func (p *Profile) ACLPath() string {
	return filepath.Join(p.Data, "acl.json")
}

// DHTStorePath backs the Kademlia local key-value store.
func (p *Profile) DHTStorePath() string {
	return filepath.Join(p.Data, "dht.db")
}
