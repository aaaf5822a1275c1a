package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/models"
)

func sevenErrors() []*models.ErrorRecord {
	msgs := []struct {
		ft   models.FailureType
		msg  string
		file string
	}{
		{models.FailureImport, "No module named 'requests'", "app/http.py"},
		{models.FailureSyntax, "invalid syntax", "app/parse.py"},
		{models.FailureRuntime, "division by zero", "app/math.py"},
		{models.FailureTimeout, "pytest timed out after 300s", ""},
		{models.FailureToolNotFound, "semgrep: command not found", ""},
		{models.FailureCircular, "circular import between a and b", "app/a.py"},
		{models.FailurePermission, "permission denied: /var/run/docker.sock", ""},
	}
	out := make([]*models.ErrorRecord, len(msgs))
	for i, m := range msgs {
		out[i] = &models.ErrorRecord{FailureType: m.ft, Message: m.msg, FilePath: m.file, LineNumber: i + 1}
	}
	return out
}

func TestClassify_NoHistory(t *testing.T) {
	c := New()
	cur := c.Embed(context.Background(), embedding.NewMockEmbedder(64), sevenErrors())
	res := c.Classify(cur, nil)
	if res.Summary.New != 7 || res.Summary.Recurring != 0 || res.Summary.Resolved != 0 {
		t.Errorf("summary = %+v", res.Summary)
	}
	for _, n := range res.New {
		if n.Score != 0 {
			t.Errorf("new error without candidates should score 0, got %f", n.Score)
		}
	}
}

func TestClassify_EmptyCurrent(t *testing.T) {
	c := New()
	prev := c.Embed(context.Background(), embedding.NewMockEmbedder(64), sevenErrors())
	res := c.Classify(nil, prev)
	if res.Summary.Resolved != 7 || res.Summary.New != 0 || res.Summary.Recurring != 0 {
		t.Errorf("summary = %+v", res.Summary)
	}
}

func TestClassify_IdenticalRerun(t *testing.T) {
	c := New()
	emb := embedding.NewMockEmbedder(64)
	res, err := c.ClassifyRecords(context.Background(), emb, sevenErrors(), sevenErrors())
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary != (models.ClassificationSummary{Recurring: 7}) {
		t.Fatalf("summary = %+v", res.Summary)
	}
	for i, m := range res.Recurring {
		if m.PreviousIndex != i {
			t.Errorf("current %d matched previous %d", i, m.PreviousIndex)
		}
		if m.Score < 0.999 {
			t.Errorf("identical text scored %f", m.Score)
		}
	}
	if res.Method != models.MethodEmbedding {
		t.Errorf("method = %s", res.Method)
	}
	if res.Statistics.Min < 0.999 || res.Statistics.Average < 0.999 {
		t.Errorf("statistics = %+v", res.Statistics)
	}
}

func TestClassify_OneFixed(t *testing.T) {
	c := New()
	emb := embedding.NewMockEmbedder(64)
	previous := sevenErrors()
	current := sevenErrors()[:3]
	current = append(current, sevenErrors()[4:]...)

	res, err := c.ClassifyRecords(context.Background(), emb, current, previous)
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary != (models.ClassificationSummary{Recurring: 6, Resolved: 1}) {
		t.Fatalf("summary = %+v", res.Summary)
	}
	if res.Resolved[0].FailureType != models.FailureTimeout {
		t.Errorf("resolved = %+v", res.Resolved[0])
	}
}

func TestClassify_TiesGoToLowestPreviousIndex(t *testing.T) {
	c := New()
	v := []float32{1, 0, 0}
	e := &models.ErrorRecord{Message: "same"}
	current := []Item{{Error: e, Vector: v}, {Error: e, Vector: v}}
	previous := []Item{{Error: e, Vector: v}, {Error: e, Vector: v}, {Error: e, Vector: v}}

	res := c.Classify(current, previous)
	if len(res.Recurring) != 2 {
		t.Fatalf("recurring = %d", len(res.Recurring))
	}
	if res.Recurring[0].PreviousIndex != 0 || res.Recurring[1].PreviousIndex != 1 {
		t.Errorf("tie order: %d, %d", res.Recurring[0].PreviousIndex, res.Recurring[1].PreviousIndex)
	}
	if res.Summary.Resolved != 1 {
		t.Errorf("third previous should be resolved, got %+v", res.Summary)
	}
}

func TestClassify_Threshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		cur       []float32
		want      models.ClassificationSummary
	}{
		{"above threshold", 0.95, []float32{1, 0.1, 0}, models.ClassificationSummary{Recurring: 1}},
		{"below threshold", 0.95, []float32{1, 1, 0}, models.ClassificationSummary{New: 1, Resolved: 1}},
		{"lower threshold", 0.7, []float32{1, 1, 0}, models.ClassificationSummary{Recurring: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(WithThreshold(tt.threshold))
			e := &models.ErrorRecord{Message: "x"}
			res := c.Classify([]Item{{Error: e, Vector: tt.cur}}, []Item{{Error: e, Vector: []float32{1, 0, 0}}})
			if res.Summary != tt.want {
				t.Errorf("summary = %+v, want %+v", res.Summary, tt.want)
			}
			if res.Threshold != tt.threshold {
				t.Errorf("threshold = %f", res.Threshold)
			}
		})
	}
}

func TestClassify_StructuralFallback(t *testing.T) {
	c := New()
	a := &models.ErrorRecord{FailureType: models.FailureImport, Message: "No module named 'x'", FilePath: "m.py", LineNumber: 4}
	b := &models.ErrorRecord{FailureType: models.FailureImport, Message: "No module named 'x'", FilePath: "m.py", LineNumber: 4}
	other := &models.ErrorRecord{FailureType: models.FailureImport, Message: "No module named 'x'", FilePath: "m.py", LineNumber: 5}

	res := c.Classify([]Item{{Error: a}}, []Item{{Error: b, Vector: []float32{1, 0}}})
	if len(res.Recurring) != 1 {
		t.Fatalf("structural key match should recur: %+v", res.Summary)
	}
	if res.Recurring[0].Score != DefaultStructuralScore || res.Recurring[0].Method != models.MethodStructural {
		t.Errorf("match = %+v", res.Recurring[0])
	}
	if res.Method != models.MethodStructural {
		t.Errorf("method = %s", res.Method)
	}

	res = c.Classify([]Item{{Error: a}}, []Item{{Error: other}})
	if res.Summary.New != 1 || res.New[0].Score != 0 {
		t.Errorf("different line should not match: %+v", res.New)
	}

	// Dimension mismatch also falls back per pair.
	res = c.Classify([]Item{{Error: a, Vector: []float32{1, 0, 0}}, {Error: other, Vector: []float32{0, 1}}},
		[]Item{{Error: b, Vector: []float32{1, 0}}, {Error: other, Vector: []float32{0, 1}}})
	if res.Method != models.MethodMixed {
		t.Errorf("method = %s, want mixed", res.Method)
	}
	if res.Summary.Recurring != 2 {
		t.Errorf("summary = %+v", res.Summary)
	}
}

func TestClassify_StructuralMatchIgnoresThreshold(t *testing.T) {
	a := &models.ErrorRecord{FailureType: models.FailureImport, Message: "No module named 'x'", FilePath: "m.py", LineNumber: 4}
	b := &models.ErrorRecord{FailureType: models.FailureImport, Message: "No module named 'x'", FilePath: "m.py", LineNumber: 4}
	other := &models.ErrorRecord{FailureType: models.FailureRuntime, Message: "boom", FilePath: "n.py", LineNumber: 9}

	for _, threshold := range []float64{0.95, 0.99, 1.0} {
		t.Run(fmt.Sprintf("threshold %.2f", threshold), func(t *testing.T) {
			c := New(WithThreshold(threshold))
			res := c.Classify([]Item{{Error: a}, {Error: other}}, []Item{{Error: b}})
			if res.Summary.Recurring != 1 || res.Summary.New != 1 || res.Summary.Resolved != 0 {
				t.Fatalf("summary = %+v", res.Summary)
			}
			if res.Recurring[0].Current != a || res.Recurring[0].Method != models.MethodStructural {
				t.Errorf("match = %+v", res.Recurring[0])
			}
			if res.New[0].Error != other {
				t.Errorf("new = %+v", res.New[0])
			}
		})
	}

	// Embedding scores below a high threshold are still new.
	c := New(WithThreshold(0.99))
	res := c.Classify([]Item{{Error: a, Vector: []float32{1, 0.1}}}, []Item{{Error: b, Vector: []float32{1, 0.3}}})
	if res.Summary.Recurring != 0 || res.Summary.New != 1 || res.Summary.Resolved != 1 {
		t.Errorf("embedding below threshold: %+v", res.Summary)
	}
}

func TestStructuralKey(t *testing.T) {
	long := ""
	for i := 0; i < 20; i++ {
		long += "abcde"
	}
	e1 := &models.ErrorRecord{FailureType: models.FailureRuntime, Message: long + "tail one"}
	e2 := &models.ErrorRecord{FailureType: models.FailureRuntime, Message: long + "tail two"}
	if StructuralKey(e1) != StructuralKey(e2) {
		t.Error("only the first 50 characters of the message count")
	}
	if got := StructuralKey(&models.ErrorRecord{FailureType: models.FailureSyntax, Message: "bad", FilePath: "f.py", LineNumber: 9}); got != "syntax_error|bad|f.py|9" {
		t.Errorf("key = %q", got)
	}
}

type flakyEmbedder struct {
	*embedding.MockEmbedder
	failOn string
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == f.failOn {
		return nil, errors.New("model overloaded")
	}
	return f.MockEmbedder.Embed(ctx, text)
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("batch endpoint down")
}

func TestEmbed_DegradesPerError(t *testing.T) {
	errs := sevenErrors()
	emb := &flakyEmbedder{MockEmbedder: embedding.NewMockEmbedder(64), failOn: errs[2].EmbeddingText()}
	c := New()

	items := c.Embed(context.Background(), emb, errs)
	for i, it := range items {
		if i == 2 && it.Vector != nil {
			t.Error("failed embedding should leave a nil vector")
		}
		if i != 2 && it.Vector == nil {
			t.Errorf("error %d should still be embedded", i)
		}
	}

	res := c.Classify(items, c.Embed(context.Background(), emb, sevenErrors()))
	if res.Summary.Recurring != 7 {
		t.Errorf("structural fallback should still match the failed error: %+v", res.Summary)
	}
	if res.Method != models.MethodMixed {
		t.Errorf("method = %s", res.Method)
	}
}
