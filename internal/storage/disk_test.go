package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMeasureFootprint(t *testing.T) {
	dir := t.TempDir()

	db := filepath.Join(dir, "kioku.db")
	if err := os.WriteFile(db, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	idx := filepath.Join(dir, "vectors")
	if err := os.Mkdir(idx, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(idx, "analyses.vec"), []byte("ab"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(idx, "analyses.mapping.json"), []byte("c"), 0644); err != nil {
		t.Fatal(err)
	}

	fp, err := MeasureFootprint(map[string]string{
		"database": db,
		"vectors":  idx,
		"keyword":  filepath.Join(dir, "missing"),
		"unset":    "",
	})
	if err != nil {
		t.Fatal(err)
	}
	if fp.Parts["database"] != 5 {
		t.Errorf("database: got %d, want 5", fp.Parts["database"])
	}
	if fp.Parts["vectors"] != 3 {
		t.Errorf("vectors: got %d, want 3", fp.Parts["vectors"])
	}
	if fp.Parts["keyword"] != 0 || fp.Parts["unset"] != 0 {
		t.Errorf("missing paths should be 0: %+v", fp.Parts)
	}
	if fp.Total != 8 {
		t.Errorf("Total=%d, want 8", fp.Total)
	}
	labels := fp.Labels()
	if len(labels) != 4 || labels[0] != "database" {
		t.Errorf("Labels()=%v", labels)
	}
}
