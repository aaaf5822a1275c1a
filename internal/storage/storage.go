// Package storage defines the persistence interface for analysis runs and their execution logs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

// Storage is the record store. It is the single source of truth for whether a record exists.
type Storage interface {
	// Analysis operations
	StoreAnalysis(ctx context.Context, rec *models.AnalysisRecord) (int64, error)
	GetAnalysis(ctx context.Context, id int64) (*models.AnalysisRecord, bool, error)
	QueryAnalyses(ctx context.Context, filter *models.AnalysisFilter) ([]*models.AnalysisRecord, error)
	DeleteAnalysis(ctx context.Context, id int64) (bool, error)
	UpdateMetrics(ctx context.Context, id int64, metrics map[string]float64) (bool, error)
	ListAnalysisIDs(ctx context.Context) ([]int64, error)

	// Execution log operations
	StoreExecutionLogs(ctx context.Context, analysisID int64, failures []*models.ErrorRecord) error
	GetErrors(ctx context.Context, analysisID int64) ([]*models.ErrorRecord, error)
	GetError(ctx context.Context, id int64) (*models.ErrorRecord, bool, error)
	QueryErrors(ctx context.Context, filter *models.ErrorFilter) ([]*models.ErrorRecord, error)

	// Existence checks, used by the consistency validator
	ExistingAnalysisIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
	ExistingErrorIDs(ctx context.Context, ids []int64) (map[int64]bool, error)

	// Ingestion bookkeeping
	GetIngestedFile(ctx context.Context, path string) (*IngestedFile, bool, error)
	RecordIngestedFile(ctx context.Context, f *IngestedFile) error

	// Stats
	CountAnalyses(ctx context.Context) (int64, error)
	CountErrors(ctx context.Context) (int64, error)

	Close() error
}

// IngestedFile remembers a producer result file that was already stored.
type IngestedFile struct {
	Path       string    `json:"path"`
	ModTime    time.Time `json:"mod_time"`
	Size       int64     `json:"size"`
	AnalysisID int64     `json:"analysis_id"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ErrIO matches any *IOError via errors.Is.
var ErrIO = errors.New("storage i/o error")

// IOError is returned when the underlying database cannot be read or written.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is reports true for ErrIO.
func (e *IOError) Is(target error) bool { return target == ErrIO }

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}
