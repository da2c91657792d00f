package profile

import (
	"os"
	"path/filepath"
	"testing"
)

// TestProfileDefaults 测试配置默认值。
func TestProfileDefaults(t *testing.T) {
	clearEnvVars()

	profile := &Profile{}
	profile.FromEnv()

	tests := []struct {
		name     string
		expected string
		actual   string
	}{
		{"AIEmbeddingProvider default", "siliconflow", profile.AIEmbeddingProvider},
		{"AIEmbeddingModel default", "BAAI/bge-m3", profile.AIEmbeddingModel},
		{"AIEmbeddingBaseURL default", "https://api.siliconflow.cn/v1", profile.AIEmbeddingBaseURL},
		{"AIEmbeddingAPIKey default", "", profile.AIEmbeddingAPIKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.actual != tt.expected {
				t.Errorf("%s: expected %q, got %q", tt.name, tt.expected, tt.actual)
			}
		})
	}

	if profile.P2PPort != 7677 {
		t.Errorf("P2PPort: expected 7677, got %d", profile.P2PPort)
	}
	if profile.AIEmbeddingDim != 1024 {
		t.Errorf("AIEmbeddingDim: expected 1024, got %d", profile.AIEmbeddingDim)
	}
	if !profile.MDNSEnabled {
		t.Error("MDNSEnabled: expected true by default")
	}
	if profile.IsEmbeddingEnabled() {
		t.Error("IsEmbeddingEnabled: expected false without API key")
	}
}

// TestProfileFromEnv 测试从环境变量读取配置。
func TestProfileFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		envValue string
		field    func(*Profile) string
		expected string
	}{
		{
			name:     "node id",
			envVar:   "CIS_NODE_ID",
			envValue: "edge-07",
			field:    func(p *Profile) string { return p.NodeID },
			expected: "edge-07",
		},
		{
			name:     "embedding API key",
			envVar:   "CIS_AI_EMBEDDING_API_KEY",
			envValue: "test-key",
			field:    func(p *Profile) string { return p.AIEmbeddingAPIKey },
			expected: "test-key",
		},
		{
			name:     "embedding provider openai",
			envVar:   "CIS_AI_EMBEDDING_PROVIDER",
			envValue: "openai",
			field:    func(p *Profile) string { return p.AIEmbeddingProvider },
			expected: "openai",
		},
		{
			name:     "advertised addr",
			envVar:   "CIS_P2P_ADVERTISED_ADDR",
			envValue: "203.0.113.4:7677",
			field:    func(p *Profile) string { return p.P2PAdvertisedAddr },
			expected: "203.0.113.4:7677",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars()
			os.Setenv(tt.envVar, tt.envValue)
			defer os.Unsetenv(tt.envVar)

			profile := &Profile{}
			profile.FromEnv()

			actual := tt.field(profile)
			if actual != tt.expected {
				t.Errorf("%s: expected %q, got %q", tt.name, tt.expected, actual)
			}
		})
	}
}

func TestProviderDefaultsApplied(t *testing.T) {
	clearEnvVars()
	os.Setenv("CIS_AI_EMBEDDING_PROVIDER", "openai")
	defer os.Unsetenv("CIS_AI_EMBEDDING_PROVIDER")

	profile := &Profile{}
	profile.FromEnv()

	if profile.AIEmbeddingBaseURL != "https://api.openai.com/v1" {
		t.Errorf("expected openai base url, got %q", profile.AIEmbeddingBaseURL)
	}
	if profile.AIEmbeddingDim != 1536 {
		t.Errorf("expected dim 1536, got %d", profile.AIEmbeddingDim)
	}
}

func TestUnknownProviderFallsBack(t *testing.T) {
	clearEnvVars()
	os.Setenv("CIS_AI_EMBEDDING_PROVIDER", "not-a-provider")
	defer os.Unsetenv("CIS_AI_EMBEDDING_PROVIDER")

	profile := &Profile{}
	profile.FromEnv()

	if profile.AIEmbeddingProvider != "siliconflow" {
		t.Errorf("expected fallback to siliconflow, got %q", profile.AIEmbeddingProvider)
	}
}

func TestValidate(t *testing.T) {
	clearEnvVars()
	dir := t.TempDir()

	profile := &Profile{NodeID: "n1", Mode: "dev", Data: dir}
	profile.FromEnv()
	profile.NodeID = "n1"
	if err := profile.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if profile.Driver != "sqlite" {
		t.Errorf("expected sqlite driver default, got %q", profile.Driver)
	}
	wantDSN := filepath.Join(dir, "cis_dev.db")
	if profile.DSN != wantDSN {
		t.Errorf("expected DSN %q, got %q", wantDSN, profile.DSN)
	}
	if profile.IdentityDir() != filepath.Join(dir, "identity") {
		t.Errorf("unexpected identity dir %q", profile.IdentityDir())
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	profile := &Profile{NodeID: "n1", Mode: "dev", Data: t.TempDir(), P2PPort: 99999, WorkerPoolSize: 4}
	if err := profile.Validate(); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestSanitizeNodeID(t *testing.T) {
	if got := sanitizeNodeID("my host:01"); got != "my-host-01" {
		t.Errorf("sanitizeNodeID: got %q", got)
	}
}

// clearEnvVars 清除所有相关环境变量。
func clearEnvVars() {
	for _, key := range []string{
		"CIS_NODE_ID",
		"CIS_AI_EMBEDDING_PROVIDER",
		"CIS_AI_EMBEDDING_MODEL",
		"CIS_AI_EMBEDDING_API_KEY",
		"CIS_AI_EMBEDDING_BASE_URL",
		"CIS_AI_EMBEDDING_DIM",
		"CIS_AI_EMBEDDING_TIMEOUT_SECONDS",
		"CIS_P2P_PORT",
		"CIS_P2P_ADVERTISED_ADDR",
		"CIS_MDNS_ENABLED",
		"CIS_WORKER_POOL_SIZE",
	} {
		os.Unsetenv(key)
	}
}
