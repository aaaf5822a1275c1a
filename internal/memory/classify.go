package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/classify"
	"github.com/hyperjump/kioku/internal/models"
)

// ClassifyAgainstPrevious labels current errors recurring, new or resolved against the errors of
// run previousRunID. Previous embeddings come from the error index; errors without a stored vector
// are embedded on the spot. previousRunID <= 0, or an unknown run, means no history: all errors are new.
func (s *Service) ClassifyAgainstPrevious(ctx context.Context, current []*models.ErrorRecord, previousRunID int64) (c *models.Classification, err error) {
	defer s.metrics.Observe("classify", time.Now(), &err)
	var previous []*models.ErrorRecord
	var usedRunID int64
	if previousRunID > 0 {
		prev, found, err := s.storage.GetAnalysis(ctx, previousRunID)
		if err != nil {
			return nil, fmt.Errorf("failed to get previous run: %w", err)
		}
		if found {
			previous = prev.Failures
			usedRunID = prev.ID
		} else {
			s.logger.Warn("Previous run not found, classifying without history", zap.Int64("analysis_id", previousRunID))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cur := s.classifier.Embed(ctx, s.embedder, current)
	prev := s.previousItems(ctx, previous)
	c = s.classifier.Classify(cur, prev)
	c.PreviousRunID = usedRunID
	s.metrics.Classified(c.Summary.Recurring, c.Summary.New, c.Summary.Resolved)
	s.logger.Debug("Classified errors",
		zap.Int64("previous_run", previousRunID),
		zap.Int("recurring", c.Summary.Recurring),
		zap.Int("new", c.Summary.New),
		zap.Int("resolved", c.Summary.Resolved),
		zap.String("method", string(c.Method)))
	return c, nil
}

func (s *Service) previousItems(ctx context.Context, previous []*models.ErrorRecord) []classify.Item {
	items := make([]classify.Item, len(previous))
	var missing []*models.ErrorRecord
	var missingAt []int
	for i, e := range previous {
		items[i].Error = e
		if vec, ok := s.errors.Vector(e.ID); ok {
			items[i].Vector = vec
			continue
		}
		missing = append(missing, e)
		missingAt = append(missingAt, i)
	}
	if len(missing) > 0 {
		for j, it := range s.classifier.Embed(ctx, s.embedder, missing) {
			items[missingAt[j]].Vector = it.Vector
		}
	}
	return items
}

// PreviousRun returns the newest run of codebasePath and analysisType at or before before (zero means
// no bound), skipping excludeID.
func (s *Service) PreviousRun(ctx context.Context, codebasePath, analysisType string, before time.Time, excludeID int64) (*models.AnalysisRecord, bool, error) {
	runs, err := s.storage.QueryAnalyses(ctx, &models.AnalysisFilter{
		CodebasePath: codebasePath,
		AnalysisType: analysisType,
		Until:        before,
		Descending:   true,
		Limit:        2,
	})
	if err != nil {
		return nil, false, err
	}
	for _, r := range runs {
		if r.ID != excludeID {
			return r, true, nil
		}
	}
	return nil, false, nil
}

// ClassifyAgainstLatest classifies current against the newest stored run of codebasePath and
// analysisType. It returns the id of the run used, or 0 when there was none.
func (s *Service) ClassifyAgainstLatest(ctx context.Context, codebasePath, analysisType string, current []*models.ErrorRecord) (*models.Classification, int64, error) {
	prev, found, err := s.PreviousRun(ctx, codebasePath, analysisType, time.Time{}, 0)
	if err != nil {
		return nil, 0, err
	}
	var prevID int64
	if found {
		prevID = prev.ID
	}
	c, err := s.ClassifyAgainstPrevious(ctx, current, prevID)
	return c, prevID, err
}
