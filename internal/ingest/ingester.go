package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/storage"
)

// Sink stores a normalized run and returns its id. The memory service implements it.
type Sink interface {
	StoreNormalized(ctx context.Context, n *Normalized) (int64, error)
}

// Ledger remembers which files were already ingested.
type Ledger interface {
	GetIngestedFile(ctx context.Context, path string) (*storage.IngestedFile, bool, error)
	RecordIngestedFile(ctx context.Context, f *storage.IngestedFile) error
}

// Outcome is the result of ingesting one file.
type Outcome struct {
	Path       string `json:"path"`
	AnalysisID int64  `json:"analysis_id,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Batch summarizes one IngestPaths call.
type Batch struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Stored   int       `json:"stored"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
	Outcomes []Outcome `json:"outcomes"`
}

// Ingester reads producer files and stores each one once per (mtime, size).
type Ingester struct {
	sink   Sink
	ledger Ledger
	logger *zap.Logger
	hook   func(result string)
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithResultHook calls fn with "stored", "skipped" or "failed" after every file.
func WithResultHook(fn func(result string)) IngesterOption {
	return func(g *Ingester) { g.hook = fn }
}

// NewIngester creates an ingester. A nil ledger disables incremental skipping.
func NewIngester(sink Sink, ledger Ledger, logger *zap.Logger, opts ...IngesterOption) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Ingester{sink: sink, ledger: ledger, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IngestFile stores the run in path unless the same file version was already stored.
func (g *Ingester) IngestFile(ctx context.Context, path string) (Outcome, error) {
	out, err := g.ingestFile(ctx, path)
	if g.hook != nil {
		switch {
		case err != nil:
			g.hook("failed")
		case out.Skipped:
			g.hook("skipped")
		default:
			g.hook("stored")
		}
	}
	return out, err
}

func (g *Ingester) ingestFile(ctx context.Context, path string) (Outcome, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Outcome{Path: path}, err
	}
	out := Outcome{Path: abs}
	info, err := os.Stat(abs)
	if err != nil {
		return out, fmt.Errorf("stat %s: %w", abs, err)
	}
	if info.IsDir() {
		return out, fmt.Errorf("%s is a directory", abs)
	}
	if g.ledger != nil {
		prev, found, err := g.ledger.GetIngestedFile(ctx, abs)
		if err != nil {
			return out, err
		}
		if found && prev.Size == info.Size() && prev.ModTime.Equal(info.ModTime().UTC()) {
			out.Skipped = true
			out.AnalysisID = prev.AnalysisID
			return out, nil
		}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return out, fmt.Errorf("read %s: %w", abs, err)
	}
	env, err := ParseEnvelope(data)
	if err != nil {
		return out, fmt.Errorf("%s: %w", abs, err)
	}
	n, err := env.Normalize()
	if err != nil {
		return out, fmt.Errorf("%s: %w", abs, err)
	}
	id, err := g.sink.StoreNormalized(ctx, n)
	if err != nil {
		return out, err
	}
	out.AnalysisID = id
	if g.ledger != nil {
		rec := &storage.IngestedFile{Path: abs, ModTime: info.ModTime().UTC(), Size: info.Size(), AnalysisID: id, IngestedAt: time.Now().UTC()}
		if err := g.ledger.RecordIngestedFile(ctx, rec); err != nil {
			g.logger.Warn("failed to record ingested file", zap.String("path", abs), zap.Error(err))
		}
	}
	g.logger.Info("ingested analysis", zap.String("path", abs), zap.Int64("analysis_id", id),
		zap.String("codebase", n.Record.CodebasePath), zap.String("type", n.Record.AnalysisType))
	return out, nil
}

// IngestPaths ingests files and, for directories, every matching file beneath them.
// Per-file failures are reported in the batch; only cancellation aborts it.
func (g *Ingester) IngestPaths(ctx context.Context, paths, extensions []string, recursive bool) (*Batch, error) {
	b := &Batch{ID: uuid.New().String(), Started: time.Now().UTC()}
	log := g.logger.With(zap.String("batch", b.ID))

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			b.Failed++
			b.Outcomes = append(b.Outcomes, Outcome{Path: p, Error: err.Error()})
			continue
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != p && !recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if matchExtension(path, extensions) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return b, err
		}
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return b, err
		}
		out, err := g.IngestFile(ctx, f)
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return b, err
			}
			out.Error = err.Error()
			b.Failed++
			log.Warn("ingest failed", zap.String("path", f), zap.Error(err))
		case out.Skipped:
			b.Skipped++
		default:
			b.Stored++
		}
		b.Outcomes = append(b.Outcomes, out)
	}
	log.Info("ingest batch finished", zap.Int("stored", b.Stored), zap.Int("skipped", b.Skipped), zap.Int("failed", b.Failed))
	return b, nil
}

// Handle adapts IngestFile for the inbox callback; failures are logged.
func (g *Ingester) Handle(ctx context.Context, path string) {
	if _, err := g.IngestFile(ctx, path); err != nil {
		g.logger.Warn("inbox ingest failed", zap.String("path", path), zap.Error(err))
	}
}
