package memory

import (
	"context"
	"sort"
)

// HybridSearch combines vector and lexical retrieval: top-k from each leg,
// deduplicated by key, rescored by a weighted sum and returned in descending
// FinalScore order. Without an embedder the vector leg is skipped.
// HybridSearch 融合向量与全文检索结果。
func (s *Service) HybridSearch(ctx context.Context, ns Namespace, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	type scoredEntry struct {
		hit      Hit
		vecScore float32
		lexScore float32
	}
	merged := make(map[string]*scoredEntry)

	if s.embedder != nil {
		embedding, err := s.embedder.Embed(ctx, query)
		if err != nil {
			// Vector leg degrades; lexical results still serve the caller.
			s.logger.Warn("query embedding failed, lexical-only search", "error", err)
		} else {
			vecHits, err := s.driver.SearchMemoryVector(ctx, ns.String(), embedding, limit)
			if err != nil {
				return nil, err
			}
			decrypted, err := s.decryptHits(vecHits)
			if err != nil {
				return nil, err
			}
			for _, h := range decrypted {
				merged[h.Entry.Key] = &scoredEntry{hit: h, vecScore: h.FinalScore}
			}
		}
	}

	lexHits, err := s.driver.SearchMemoryLexical(ctx, ns.String(), query, limit)
	if err != nil {
		return nil, err
	}
	decrypted, err := s.decryptHits(lexHits)
	if err != nil {
		return nil, err
	}
	for _, h := range decrypted {
		if existing, ok := merged[h.Entry.Key]; ok {
			existing.lexScore = h.FinalScore
		} else {
			merged[h.Entry.Key] = &scoredEntry{hit: h, lexScore: h.FinalScore}
		}
	}

	out := make([]Hit, 0, len(merged))
	for _, se := range merged {
		se.hit.FinalScore = s.vectorWeight*se.vecScore + s.lexicalWeight*normalizeLexical(se.lexScore)
		out = append(out, se.hit)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		return out[i].Entry.Key < out[j].Entry.Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// normalizeLexical squashes unbounded bm25-derived scores into (0, 1) so the
// weighted sum compares like with like; cosine scores are already bounded.
func normalizeLexical(score float32) float32 {
	if score <= 0 {
		return 0
	}
	return score / (1 + score)
}
