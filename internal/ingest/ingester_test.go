package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/kioku/internal/storage"
)

type fakeSink struct {
	mu     sync.Mutex
	nextID int64
	stored []*Normalized
}

func (s *fakeSink) StoreNormalized(ctx context.Context, n *Normalized) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	n.Record.ID = s.nextID
	s.stored = append(s.stored, n)
	return s.nextID, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

type memLedger struct {
	mu    sync.Mutex
	files map[string]*storage.IngestedFile
}

func newMemLedger() *memLedger { return &memLedger{files: map[string]*storage.IngestedFile{}} }

func (l *memLedger) GetIngestedFile(ctx context.Context, path string) (*storage.IngestedFile, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.files[path]
	return f, ok, nil
}

func (l *memLedger) RecordIngestedFile(ctx context.Context, f *storage.IngestedFile) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[f.Path] = f
	return nil
}

const sampleEnvelope = `{"codebase_path":"/repo","analysis_type":"dynamic","results":{"method_coverage_percentage":100}}`

func TestIngester_SkipsUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")
	if err := writeFile(path, sampleEnvelope); err != nil {
		t.Fatal(err)
	}
	sink := &fakeSink{}
	g := NewIngester(sink, newMemLedger(), nil)
	ctx := context.Background()

	first, err := g.IngestFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if first.Skipped || first.AnalysisID != 1 {
		t.Fatalf("first ingest: %+v", first)
	}
	second, err := g.IngestFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Skipped || second.AnalysisID != 1 {
		t.Errorf("unchanged file should be skipped: %+v", second)
	}

	// Rewriting the file with new content makes it a new run.
	if err := writeFile(path, sampleEnvelope+"\n"); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	third, err := g.IngestFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if third.Skipped || third.AnalysisID != 2 {
		t.Errorf("changed file should be stored again: %+v", third)
	}
	if sink.count() != 2 {
		t.Errorf("sink got %d runs, want 2", sink.count())
	}
}

func TestIngester_IngestPaths(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := mkdirAll(nested); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(dir, "a.json"):    sampleEnvelope,
		filepath.Join(nested, "b.json"): sampleEnvelope,
		filepath.Join(dir, "bad.json"):  `{"results":{}}`,
		filepath.Join(dir, "notes.txt"): "ignored",
	}
	for p, c := range files {
		if err := writeFile(p, c); err != nil {
			t.Fatal(err)
		}
	}
	sink := &fakeSink{}
	g := NewIngester(sink, newMemLedger(), nil)

	b, err := g.IngestPaths(context.Background(), []string{dir, filepath.Join(dir, "missing.json")}, []string{".json"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == "" {
		t.Error("batch id not set")
	}
	if b.Stored != 2 || b.Failed != 2 || b.Skipped != 0 {
		t.Errorf("batch: stored=%d failed=%d skipped=%d", b.Stored, b.Failed, b.Skipped)
	}

	flat, err := g.IngestPaths(context.Background(), []string{dir}, []string{".json"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if flat.Skipped != 1 || flat.Stored != 0 {
		t.Errorf("non-recursive rerun: stored=%d skipped=%d", flat.Stored, flat.Skipped)
	}
}

func TestIngester_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	if err := writeFile(filepath.Join(dir, "a.json"), sampleEnvelope); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewIngester(&fakeSink{}, nil, nil)
	if _, err := g.IngestPaths(ctx, []string{dir}, nil, true); err == nil {
		t.Error("expected cancellation error")
	}
}
