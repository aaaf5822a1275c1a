package models

// MatchMethod records how a similarity score was obtained.
type MatchMethod string

const (
	MethodEmbedding  MatchMethod = "embedding"
	MethodStructural MatchMethod = "structural"
	// MethodMixed is only used on a whole Classification when both methods contributed.
	MethodMixed MatchMethod = "mixed"
)

// RecurringMatch pairs a current error with the previous error it repeats.
type RecurringMatch struct {
	Current       *ErrorRecord `json:"current"`
	Previous      *ErrorRecord `json:"previous"`
	CurrentIndex  int          `json:"current_index"`
	PreviousIndex int          `json:"previous_index"`
	Score         float64      `json:"similarity_score"`
	Method        MatchMethod  `json:"method"`
}

// ScoredError is a new error with its best (sub-threshold) match score.
type ScoredError struct {
	Error  *ErrorRecord `json:"error"`
	Index  int          `json:"index"`
	Score  float64      `json:"similarity_score"`
	Method MatchMethod  `json:"method"`
}

// ClassificationSummary holds the per-category counts.
type ClassificationSummary struct {
	Recurring int `json:"recurring"`
	New       int `json:"new"`
	Resolved  int `json:"resolved"`
}

// SimilarityStats summarizes the best-match score of every current error.
type SimilarityStats struct {
	Average float64 `json:"average_similarity"`
	Min     float64 `json:"min_similarity"`
	Max     float64 `json:"max_similarity"`
	Median  float64 `json:"median_similarity"`
}

// Classification is the diff of one run's errors against a previous run's.
type Classification struct {
	Recurring []RecurringMatch      `json:"recurring"`
	New       []ScoredError         `json:"new"`
	Resolved  []*ErrorRecord        `json:"resolved"`
	Summary   ClassificationSummary `json:"summary"`
	// Method is embedding when every compared pair used vectors, structural when none did, mixed otherwise.
	Method     MatchMethod     `json:"method"`
	Threshold  float64         `json:"threshold"`
	Statistics SimilarityStats `json:"statistics"`
	// PreviousRunID is set when the classification was made against a stored run.
	PreviousRunID int64 `json:"previous_run_id,omitempty"`
}
