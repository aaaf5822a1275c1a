// Package export writes analysis runs and trend reports to portable formats.
package export

import (
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/kioku/internal/models"
)

// NewSnapshot builds the export form of rec under a fresh snapshot id.
func NewSnapshot(rec *models.AnalysisRecord) *models.Snapshot {
	failures := rec.Failures
	if failures == nil {
		failures = []*models.ErrorRecord{}
	}
	m := rec.Metrics
	if m == nil {
		m = map[string]float64{}
	}
	return &models.Snapshot{
		SnapshotID: uuid.New().String(),
		ExportedAt: time.Now().UTC(),
		Metadata: models.SnapshotMetadata{
			ID:           rec.ID,
			CodebasePath: rec.CodebasePath,
			AnalysisType: rec.AnalysisType,
			Timestamp:    rec.Timestamp,
			Status:       rec.Status,
		},
		Summary:     rec.Summary,
		Metrics:     m,
		Failures:    failures,
		FullResults: rec.FullResults,
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
