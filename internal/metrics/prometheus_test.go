package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	var err error
	m.Observe("store", time.Now(), &err)
	m.SearchResults("analysis", 3)
	m.Classified(1, 2, 3)
	m.EmbeddingFailed()
	m.Repaired(2)
	m.Ingested("stored")
	m.SetSizes(1, 2, 3)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler status = %d", rec.Code)
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	okErr := error(nil)
	badErr := errors.New("boom")
	m.Observe("store", time.Now(), &okErr)
	m.Observe("store", time.Now(), &badErr)
	m.Classified(7, 0, 0)
	m.Repaired(3)
	m.Repaired(0)
	m.SetSizes(4, 4, 9)

	out := scrape(t, m)
	for _, want := range []string{
		`kioku_operations_total{operation="store",status="error"} 1`,
		`kioku_operations_total{operation="store",status="ok"} 1`,
		`kioku_classified_errors_total{outcome="recurring"} 7`,
		`kioku_orphans_repaired_total 3`,
		`kioku_index_vectors{index="errors"} 9`,
		`kioku_stored_analyses 4`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Ingested("stored")
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `kioku_ingested_files_total{result="stored"} 1`) {
		t.Errorf("metrics output missing ingest counter:\n%s", body)
	}
}
