// Package search provides hybrid search (keyword + semantic) over stored runs and their errors.
package search

import (
	"sort"

	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/vector"
)

// FusedResult holds a record id and fused keyword/semantic scores.
type FusedResult struct {
	RecordID      int64
	Score         float64
	KeywordScore  float64
	SemanticScore float64
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(results []*keyword.KeywordResult) map[int64]float64 {
	normalized := make(map[int64]float64, len(results))
	if len(results) == 0 {
		return normalized
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.RecordID] = r.Score / maxScore
		} else {
			normalized[r.RecordID] = 0
		}
	}
	return normalized
}

// SemanticScores returns manager similarities by record id; they are already in [0,1].
func SemanticScores(matches []vector.Match) map[int64]float64 {
	out := make(map[int64]float64, len(matches))
	for _, m := range matches {
		if s, ok := out[m.RecordID]; !ok || m.Similarity > s {
			out[m.RecordID] = m.Similarity
		}
	}
	return out
}

// Fuse merges keyword and semantic score maps with weights. Results are sorted by score, then by id.
func Fuse(keywordScores, semanticScores map[int64]float64, keywordWeight, semanticWeight float64) []*FusedResult {
	scoreMap := make(map[int64]*FusedResult, len(keywordScores)+len(semanticScores))
	for id, score := range keywordScores {
		scoreMap[id] = &FusedResult{RecordID: id, KeywordScore: score}
	}
	for id, score := range semanticScores {
		if result, exists := scoreMap[id]; exists {
			result.SemanticScore = score
		} else {
			scoreMap[id] = &FusedResult{RecordID: id, SemanticScore: score}
		}
	}
	results := make([]*FusedResult, 0, len(scoreMap))
	for _, result := range scoreMap {
		result.Score = (keywordWeight * result.KeywordScore) + (semanticWeight * result.SemanticScore)
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].RecordID < results[j].RecordID
	})
	return results
}

// FilterMinScore drops results below minScore, in place.
func FilterMinScore(results []*FusedResult, minScore float64) []*FusedResult {
	if minScore <= 0 {
		return results
	}
	filtered := results[:0]
	for _, r := range results {
		if r.Score >= minScore {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
