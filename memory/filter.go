package memory

import (
	"strings"
	"time"
)

// FilterConfig tunes the hallucination-reduction filter. All four gates are
// applied in order; zero values disable the corresponding gate.
type FilterConfig struct {
	// MinRelevance drops entries scoring below it.
	MinRelevance float32
	// UntrustedPrefixes drops entries whose key matches any prefix.
	UntrustedPrefixes []string
	// RequireSource drops entries with no provenance.
	RequireSource bool
	// MaxEntries truncates the result set.
	MaxEntries int

	// Confidence weighting. Defaults applied by NewFilter.
	ScoreWeight    float32
	SourceWeight   float32
	RecencyWeight  float32
	VerifiedWeight float32
	// RecencyHalfLife is the age at which the recency factor halves.
	RecencyHalfLife time.Duration
}

// Filter reduces retrieval noise before results reach a model prompt.
type Filter struct {
	cfg FilterConfig
}

// NewFilter builds a filter with defaulted confidence weights.
func NewFilter(cfg FilterConfig) *Filter {
	if cfg.ScoreWeight == 0 && cfg.SourceWeight == 0 && cfg.RecencyWeight == 0 && cfg.VerifiedWeight == 0 {
		cfg.ScoreWeight = 0.5
		cfg.SourceWeight = 0.2
		cfg.RecencyWeight = 0.2
		cfg.VerifiedWeight = 0.1
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = 7 * 24 * time.Hour
	}
	return &Filter{cfg: cfg}
}

// Apply runs the four gates in order: relevance, untrusted prefix, source
// requirement, truncation. Survivors carry a confidence score.
func (f *Filter) Apply(hits []Hit) []Hit {
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if h.FinalScore < f.cfg.MinRelevance {
			continue
		}
		if f.untrusted(h.Entry.Key) {
			continue
		}
		if f.cfg.RequireSource && h.Entry.Source == "" {
			continue
		}
		h.Confidence = f.confidence(h)
		out = append(out, h)
	}
	if f.cfg.MaxEntries > 0 && len(out) > f.cfg.MaxEntries {
		out = out[:f.cfg.MaxEntries]
	}
	return out
}

func (f *Filter) untrusted(key string) bool {
	for _, prefix := range f.cfg.UntrustedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// confidence factors in score, source presence, recency and the verified
// flag, each weighted and summed into [0, 1].
func (f *Filter) confidence(h Hit) float32 {
	score := h.FinalScore
	if score > 1 {
		score = 1
	}

	var source float32
	if h.Entry.Source != "" {
		source = 1
	}

	var verified float32
	if h.Entry.Verified {
		verified = 1
	}

	recency := float32(1.0)
	if !h.Entry.CreatedAt.IsZero() {
		age := time.Since(h.Entry.CreatedAt)
		halfLives := float64(age) / float64(f.cfg.RecencyHalfLife)
		recency = float32(1.0 / (1.0 + halfLives))
	}

	return f.cfg.ScoreWeight*score +
		f.cfg.SourceWeight*source +
		f.cfg.RecencyWeight*recency +
		f.cfg.VerifiedWeight*verified
}
