// Package classify diffs the errors of one analysis run against a previous run.
package classify

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/pkg/utils"
)

const (
	DefaultThreshold       = 0.95
	DefaultStructuralScore = 0.98
	structuralKeyMsgLen    = 50
)

// Item is an error with its embedding. Vector is nil when no embedding could be produced.
type Item struct {
	Error  *models.ErrorRecord
	Vector []float32
}

// Classifier performs greedy threshold matching between two runs.
type Classifier struct {
	threshold       float64
	structuralScore float64
	logger          *zap.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithThreshold sets the minimum score for a recurring match.
func WithThreshold(t float64) Option {
	return func(c *Classifier) {
		if t > 0 {
			c.threshold = t
		}
	}
}

// WithStructuralScore sets the score assigned to a structural key match.
func WithStructuralScore(s float64) Option {
	return func(c *Classifier) {
		if s > 0 {
			c.structuralScore = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Classifier with the default 0.95 threshold.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		threshold:       DefaultThreshold,
		structuralScore: DefaultStructuralScore,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the recurring-match threshold.
func (c *Classifier) Threshold() float64 { return c.threshold }

// StructuralKey identifies an error by type, the first 50 characters of its message, and its location.
func StructuralKey(e *models.ErrorRecord) string {
	line := ""
	if e.LineNumber > 0 {
		line = strconv.Itoa(e.LineNumber)
	}
	return string(e.FailureType) + "|" + utils.Prefix(e.Message, structuralKeyMsgLen) + "|" + e.FilePath + "|" + line
}

// Score compares two items. Cosine similarity is used when both have vectors of equal length;
// otherwise the structural keys decide.
func (c *Classifier) Score(a, b Item) (float64, models.MatchMethod) {
	if a.Vector != nil && b.Vector != nil && len(a.Vector) == len(b.Vector) {
		return vector.CosineSimilarity(a.Vector, b.Vector), models.MethodEmbedding
	}
	if StructuralKey(a.Error) == StructuralKey(b.Error) {
		return c.structuralScore, models.MethodStructural
	}
	return 0, models.MethodStructural
}

// Classify labels every current error recurring or new and every unclaimed previous error resolved.
// Current errors are processed in order; each takes the best unclaimed previous error, lowest index on ties.
func (c *Classifier) Classify(current, previous []Item) *models.Classification {
	out := &models.Classification{
		Recurring: []models.RecurringMatch{},
		New:       []models.ScoredError{},
		Resolved:  []*models.ErrorRecord{},
		Method:    models.MethodEmbedding,
		Threshold: c.threshold,
	}

	claimed := make([]bool, len(previous))
	var best []float64
	usedEmbedding, usedStructural := false, false

	for i, cur := range current {
		bestIdx, bestScore := -1, math.Inf(-1)
		var bestMethod models.MatchMethod
		for j, prev := range previous {
			if claimed[j] {
				continue
			}
			score, method := c.Score(cur, prev)
			if method == models.MethodEmbedding {
				usedEmbedding = true
			} else {
				usedStructural = true
			}
			if score > bestScore {
				bestIdx, bestScore, bestMethod = j, score, method
			}
		}

		// A structural key match is recurring whatever the threshold.
		forced := bestMethod == models.MethodStructural && bestScore > 0
		if bestIdx >= 0 && (bestScore >= c.threshold || forced) {
			claimed[bestIdx] = true
			out.Recurring = append(out.Recurring, models.RecurringMatch{
				Current:       cur.Error,
				Previous:      previous[bestIdx].Error,
				CurrentIndex:  i,
				PreviousIndex: bestIdx,
				Score:         bestScore,
				Method:        bestMethod,
			})
			best = append(best, bestScore)
			continue
		}

		scored := models.ScoredError{Error: cur.Error, Index: i, Method: bestMethod}
		if bestIdx >= 0 {
			scored.Score = bestScore
			best = append(best, bestScore)
		} else if cur.Vector == nil {
			scored.Method = models.MethodStructural
		} else {
			scored.Method = models.MethodEmbedding
		}
		out.New = append(out.New, scored)
	}

	for j, prev := range previous {
		if !claimed[j] {
			out.Resolved = append(out.Resolved, prev.Error)
		}
	}

	switch {
	case usedEmbedding && usedStructural:
		out.Method = models.MethodMixed
	case usedStructural:
		out.Method = models.MethodStructural
	}
	out.Summary = models.ClassificationSummary{
		Recurring: len(out.Recurring),
		New:       len(out.New),
		Resolved:  len(out.Resolved),
	}
	out.Statistics = stats(best)
	return out
}

func stats(scores []float64) models.SimilarityStats {
	if len(scores) == 0 {
		return models.SimilarityStats{}
	}
	s := models.SimilarityStats{
		Average: utils.Mean(scores),
		Median:  utils.Median(scores),
		Min:     scores[0],
		Max:     scores[0],
	}
	for _, v := range scores[1:] {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	return s
}

// Embed produces Items for errs. A failed batch falls back to one call per error; an error whose
// embedding still fails, or comes back with the wrong dimension, gets a nil Vector and is matched structurally.
func (c *Classifier) Embed(ctx context.Context, e embedding.Embedder, errs []*models.ErrorRecord) []Item {
	items := make([]Item, len(errs))
	texts := make([]string, len(errs))
	for i, rec := range errs {
		items[i].Error = rec
		texts[i] = rec.EmbeddingText()
	}
	if e == nil || len(errs) == 0 {
		return items
	}

	dim := e.Dimensions()
	vecs, err := e.EmbedBatch(ctx, texts)
	if err == nil && len(vecs) == len(errs) {
		for i, v := range vecs {
			if len(v) == dim {
				items[i].Vector = v
			}
		}
		return items
	}
	c.logger.Warn("Batch embedding failed, embedding errors one by one", zap.Error(err))

	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil || len(v) != dim {
			c.logger.Warn("Embedding failed, using structural match", zap.Int("index", i), zap.Error(err))
			continue
		}
		items[i].Vector = v
	}
	return items
}

// ClassifyRecords embeds both runs' errors and classifies them.
func (c *Classifier) ClassifyRecords(ctx context.Context, e embedding.Embedder, current, previous []*models.ErrorRecord) (*models.Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return c.Classify(c.Embed(ctx, e, current), c.Embed(ctx, e, previous)), nil
}
