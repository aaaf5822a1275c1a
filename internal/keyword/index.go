// Package keyword provides full-text search over analysis summaries and error messages.
package keyword

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

// Kind says which record type a keyword document describes.
type Kind string

const (
	KindAnalysis Kind = "analysis"
	KindError    Kind = "error"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// Kind restricts hits to one record type. Empty searches both.
	Kind Kind
	// CodebasePath restricts hits to one codebase.
	CodebasePath string
	// TitleBoost multiplies the score of matches in the title field (analysis type or failure type
	// plus codebase name). Use 1.0 for no boost.
	TitleBoost float64
	// FuzzyEnabled matches terms within Fuzziness edits for typo tolerance.
	FuzzyEnabled bool
	Fuzziness    int
}

// KeywordIndex defines keyword indexing and search over stored runs.
type KeywordIndex interface {
	// IndexAnalysis indexes the run summary and each of its failures.
	IndexAnalysis(ctx context.Context, rec *models.AnalysisRecord) error
	// DeleteAnalysis removes the run document and the documents of the given error ids.
	DeleteAnalysis(ctx context.Context, analysisID int64, errorIDs []int64) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	DocCount() (uint64, error)
	Close() error
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ID       string  `json:"id"`
	Kind     Kind    `json:"kind"`
	RecordID int64   `json:"record_id"`
	Score    float64 `json:"score"`
}

// DocID returns the keyword document id for a record.
func DocID(kind Kind, id int64) string {
	return string(kind) + ":" + strconv.FormatInt(id, 10)
}

// ParseDocID splits a keyword document id into kind and record id.
func ParseDocID(docID string) (Kind, int64, error) {
	kind, num, ok := strings.Cut(docID, ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed document id %q", docID)
	}
	id, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed document id %q: %w", docID, err)
	}
	switch Kind(kind) {
	case KindAnalysis, KindError:
		return Kind(kind), id, nil
	}
	return "", 0, fmt.Errorf("unknown document kind %q", kind)
}
