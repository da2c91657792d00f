// Package vector provides the embedding provider used by hybrid retrieval
// and the sandbox host bridge. The provider speaks the OpenAI-compatible
// embeddings protocol, which every supported vendor exposes.
package vector

import (
	"context"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/MoSiYuan/cis/internal/profile"
)

// EmbeddingService turns text into fixed-dimension vectors.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config configures the provider.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	Timeout    time.Duration
	MaxRetries int
}

// DefaultConfig returns the provider defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "https://api.openai.com/v1",
		Model:      "text-embedding-3-small",
		Dimension:  1536,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}

// ConfigFromProfile builds a provider config from the node profile.
func ConfigFromProfile(p *profile.Profile) *Config {
	return &Config{
		BaseURL:    p.AIEmbeddingBaseURL,
		APIKey:     p.AIEmbeddingAPIKey,
		Model:      p.AIEmbeddingModel,
		Dimension:  p.AIEmbeddingDim,
		Timeout:    time.Duration(p.AIEmbeddingTimeout) * time.Second,
		MaxRetries: 3,
	}
}

// Provider implements EmbeddingService over an OpenAI-compatible endpoint.
type Provider struct {
	client *openai.Client
	cfg    Config
}

// NewProvider creates a provider; nil cfg uses defaults.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = defaults.Dimension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.APIKey == "" {
		return nil, errors.New("vector: api key required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	return &Provider{client: openai.NewClientWithConfig(clientCfg), cfg: *cfg}, nil
}

// Dimension returns the configured vector dimension.
func (p *Provider) Dimension() int { return p.cfg.Dimension }

// Embed embeds a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request, retrying transient failures.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		resp, err := p.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(p.cfg.Model),
			Input: texts,
		})
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Data) != len(texts) {
			return nil, errors.Errorf("vector: got %d embeddings for %d inputs", len(resp.Data), len(texts))
		}

		out := make([][]float32, len(texts))
		for _, d := range resp.Data {
			if len(d.Embedding) != p.cfg.Dimension {
				return nil, errors.Errorf("vector: dimension %d, want %d", len(d.Embedding), p.cfg.Dimension)
			}
			out[d.Index] = d.Embedding
		}
		return out, nil
	}
	return nil, errors.Wrapf(lastErr, "vector: embedding failed after %d attempts", p.cfg.MaxRetries)
}
