package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9000
  cors_origins: ["http://localhost:3000"]
storage:
  database_path: "test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Errorf("unexpected server addr: %s", cfg.Server.Addr())
	}
	if len(cfg.Server.CORSOrigins) != 1 {
		t.Errorf("cors origins: %v", cfg.Server.CORSOrigins)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "debug: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
	if cfg.Classifier.Threshold != 0.95 || cfg.Classifier.StructuralScore != 0.98 {
		t.Errorf("classifier defaults: %+v", cfg.Classifier)
	}
	if cfg.Embedding.Provider != ProviderONNX || cfg.Embedding.Dimensions != 384 {
		t.Errorf("embedding defaults: %+v", cfg.Embedding)
	}
	if cfg.Vector.IndexType != "memory" || cfg.Vector.Metric != "l2" {
		t.Errorf("vector defaults: %+v", cfg.Vector)
	}
	if cfg.Trends.RecentErrorsLimit != 10 || cfg.Trends.WindowDays != 30 {
		t.Errorf("trend defaults: %+v", cfg.Trends)
	}
	if len(cfg.Ingest.Extensions) != 1 || cfg.Ingest.Extensions[0] != ".json" {
		t.Errorf("ingest extensions: %v", cfg.Ingest.Extensions)
	}
}

func TestLoad_ExpandPathDotSlashRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: "./data/db/analysis.db"
  index_dir: "./data/indices/vector"
ingest:
  directories: ["./inbox"]
`)
	dir := filepath.Dir(path)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "data", "db", "analysis.db"); cfg.Storage.DatabasePath != want {
		t.Errorf("database_path = %q, want %q", cfg.Storage.DatabasePath, want)
	}
	if want := filepath.Join(dir, "data", "indices", "vector"); cfg.Storage.IndexDir != want {
		t.Errorf("index_dir = %q, want %q", cfg.Storage.IndexDir, want)
	}
	if want := filepath.Join(dir, "inbox"); cfg.Ingest.Directories[0] != want {
		t.Errorf("ingest dir = %q, want %q", cfg.Ingest.Directories[0], want)
	}
	if !cfg.Ingest.RecursiveOrDefault() {
		t.Error("recursive should default to true")
	}
}

func TestLoad_OpenAIKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load(writeConfig(t, "embedding:\n  provider: openai\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Embedding.OpenAI.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Embedding.OpenAI.APIKey)
	}
	if cfg.Embedding.OpenAI.Model != "text-embedding-3-small" {
		t.Errorf("model = %q", cfg.Embedding.OpenAI.Model)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"threshold above one", "classifier:\n  threshold: 1.5\n", "threshold"},
		{"unknown provider", "embedding:\n  provider: word2vec\n", "provider"},
		{"unknown index type", "vector:\n  index_type: hnsw\n", "index_type"},
		{"bad yaml", "server: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := writeConfig(t, "ingest:\n  directories: [\"/srv/inbox\"]\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Ingest.Directories = append(cfg.Ingest.Directories, "/srv/inbox2")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Ingest.Directories) != 2 || again.Ingest.Directories[1] != "/srv/inbox2" {
		t.Errorf("directories after save: %v", again.Ingest.Directories)
	}
}
