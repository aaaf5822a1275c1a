package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	keywordanalyzer "github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kioku/internal/models"
)

// document is what gets stored in Bleve for one run or one error.
type document struct {
	Kind         string    `json:"kind"`
	CodebasePath string    `json:"codebase_path"`
	AnalysisID   int64     `json:"analysis_id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Severity     string    `json:"severity,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the index mapping in code, remove the index directory to force a full re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create Bleve index dir: %w", err)
	}
	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	// Standard analyzer (lowercase + tokenize, no stemming) so "ModuleNotFoundError" style tokens match exactly.
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("content", text)

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keywordanalyzer.Name
	doc.AddFieldMappingsAt("kind", exact)
	doc.AddFieldMappingsAt("codebase_path", exact)
	doc.AddFieldMappingsAt("severity", exact)

	doc.AddFieldMappingsAt("analysis_id", bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt("timestamp", bleve.NewDateTimeFieldMapping())

	im.DefaultMapping = doc
	return im
}

// IndexAnalysis indexes the run and its failures in one batch.
func (b *BleveIndex) IndexAnalysis(ctx context.Context, rec *models.AnalysisRecord) error {
	batch := b.index.NewBatch()
	name := filepath.Base(rec.CodebasePath)
	if err := batch.Index(DocID(KindAnalysis, rec.ID), &document{
		Kind:         string(KindAnalysis),
		CodebasePath: rec.CodebasePath,
		AnalysisID:   rec.ID,
		Title:        rec.AnalysisType + " " + name,
		Content:      rec.Summary,
		Timestamp:    rec.Timestamp,
	}); err != nil {
		return fmt.Errorf("index analysis %d: %w", rec.ID, err)
	}
	for _, f := range rec.Failures {
		if f.ID == 0 {
			continue
		}
		content := f.Message
		if f.Context != "" {
			content += "\n" + f.Context
		}
		if f.FilePath != "" {
			content += "\n" + f.FilePath
		}
		if err := batch.Index(DocID(KindError, f.ID), &document{
			Kind:         string(KindError),
			CodebasePath: rec.CodebasePath,
			AnalysisID:   rec.ID,
			Title:        strings.ReplaceAll(string(f.FailureType), "_", " ") + " " + name,
			Content:      content,
			Severity:     string(f.Severity),
			Timestamp:    f.Timestamp,
		}); err != nil {
			return fmt.Errorf("index error %d: %w", f.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// DeleteAnalysis removes a run document and its error documents.
func (b *BleveIndex) DeleteAnalysis(ctx context.Context, analysisID int64, errorIDs []int64) error {
	batch := b.index.NewBatch()
	batch.Delete(DocID(KindAnalysis, analysisID))
	for _, id := range errorIDs {
		batch.Delete(DocID(KindError, id))
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve delete failed: %w", err)
	}
	return nil
}

// Search runs a title/content match, optionally restricted by kind and codebase.
// A blank query returns no results.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	if opts == nil {
		opts = &SearchOptions{}
	}
	titleBoost := opts.TitleBoost
	if titleBoost <= 0 {
		titleBoost = 1.0
	}
	fuzziness := opts.Fuzziness
	if fuzziness <= 0 {
		fuzziness = 2
	}

	text := bleve.NewDisjunctionQuery(
		b.fieldQuery(query, "title", titleBoost, opts.FuzzyEnabled, fuzziness),
		b.fieldQuery(query, "content", 1.0, opts.FuzzyEnabled, fuzziness),
	)
	var q blevequery.Query = text
	var filters []blevequery.Query
	if opts.Kind != "" {
		filters = append(filters, termQuery("kind", string(opts.Kind)))
	}
	if opts.CodebasePath != "" {
		filters = append(filters, termQuery("codebase_path", opts.CodebasePath))
	}
	if len(filters) > 0 {
		q = bleve.NewConjunctionQuery(append([]blevequery.Query{text}, filters...)...)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*KeywordResult, 0, len(results.Hits))
	for _, hit := range results.Hits {
		kind, id, err := ParseDocID(hit.ID)
		if err != nil {
			continue
		}
		out = append(out, &KeywordResult{ID: hit.ID, Kind: kind, RecordID: id, Score: hit.Score})
	}
	return out, nil
}

func termQuery(field, value string) blevequery.Query {
	tq := bleve.NewTermQuery(value)
	tq.SetField(field)
	return tq
}

// fieldQuery builds a match query on field, or a disjunction of per-term fuzzy queries.
func (b *BleveIndex) fieldQuery(query, field string, boost float64, fuzzy bool, fuzziness int) blevequery.Query {
	terms := tokenizeQuery(query)
	if !fuzzy || len(terms) == 0 {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(field)
		mq.SetBoost(boost)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(field)
		fq.SetBoost(boost)
		queries = append(queries, fq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
