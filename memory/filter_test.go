package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func filterHit(key string, score float32, source string, verified bool) Hit {
	return Hit{
		Entry: Entry{
			Key:       key,
			Source:    source,
			Verified:  verified,
			CreatedAt: time.Now(),
		},
		FinalScore: score,
	}
}

func TestFilterMinRelevanceGate(t *testing.T) {
	f := NewFilter(FilterConfig{MinRelevance: 0.5})
	out := f.Apply([]Hit{
		filterHit("keep", 0.8, "doc", false),
		filterHit("drop", 0.3, "doc", false),
	})

	assert.Len(t, out, 1)
	assert.Equal(t, "keep", out[0].Entry.Key)
	for _, h := range out {
		assert.GreaterOrEqual(t, h.FinalScore, float32(0.5))
	}
}

func TestFilterUntrustedPrefixGate(t *testing.T) {
	f := NewFilter(FilterConfig{UntrustedPrefixes: []string{"scratch/", "tmp/"}})
	out := f.Apply([]Hit{
		filterHit("scratch/guess", 0.9, "doc", false),
		filterHit("tmp/junk", 0.9, "doc", false),
		filterHit("notes/fact", 0.9, "doc", false),
	})

	assert.Len(t, out, 1)
	assert.Equal(t, "notes/fact", out[0].Entry.Key)
}

func TestFilterRequireSourceGate(t *testing.T) {
	f := NewFilter(FilterConfig{RequireSource: true})
	out := f.Apply([]Hit{
		filterHit("sourced", 0.9, "import:manual", false),
		filterHit("unsourced", 0.9, "", false),
	})

	assert.Len(t, out, 1)
	assert.Equal(t, "sourced", out[0].Entry.Key)
}

func TestFilterMaxEntriesTruncation(t *testing.T) {
	f := NewFilter(FilterConfig{MaxEntries: 2})
	out := f.Apply([]Hit{
		filterHit("a", 0.9, "s", false),
		filterHit("b", 0.8, "s", false),
		filterHit("c", 0.7, "s", false),
	})

	assert.Len(t, out, 2)
}

func TestFilterGateOrder(t *testing.T) {
	// Truncation is the last gate: entries removed by earlier gates do not
	// consume MaxEntries slots.
	f := NewFilter(FilterConfig{MinRelevance: 0.5, MaxEntries: 2})
	out := f.Apply([]Hit{
		filterHit("low", 0.1, "s", false),
		filterHit("a", 0.9, "s", false),
		filterHit("b", 0.8, "s", false),
	})

	assert.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Entry.Key)
	assert.Equal(t, "b", out[1].Entry.Key)
}

func TestFilterConfidenceFactors(t *testing.T) {
	f := NewFilter(FilterConfig{})

	strong := f.Apply([]Hit{filterHit("strong", 1.0, "doc", true)})[0]
	weak := f.Apply([]Hit{filterHit("weak", 0.2, "", false)})[0]

	assert.Greater(t, strong.Confidence, weak.Confidence)
	assert.LessOrEqual(t, strong.Confidence, float32(1.0))
	assert.Positive(t, weak.Confidence)
}

func TestFilterRecencyDecay(t *testing.T) {
	f := NewFilter(FilterConfig{})

	fresh := filterHit("fresh", 0.5, "s", false)
	stale := filterHit("stale", 0.5, "s", false)
	stale.Entry.CreatedAt = time.Now().Add(-30 * 24 * time.Hour)

	out := f.Apply([]Hit{fresh, stale})
	assert.Greater(t, out[0].Confidence, out[1].Confidence)
}
