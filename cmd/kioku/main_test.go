package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSearchArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after query are moved first",
			args:     []string{"import cycle", "-limit", "5"},
			expected: []string{"-limit", "5", "import cycle"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-limit", "5", "import cycle"},
			expected: []string{"-limit", "5", "import cycle"},
		},
		{
			name:     "query only returns unchanged",
			args:     []string{"import cycle"},
			expected: []string{"import cycle"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple positionals then flags",
			args:     []string{"module", "missing", "--errors", "--codebase", "/srv/api"},
			expected: []string{"--errors", "--codebase", "/srv/api", "module", "missing"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := searchArgsReorder(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("searchArgsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuildSearchQuery(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"single word", []string{"ModuleNotFoundError"}, "ModuleNotFoundError"},
		{"multiple words", []string{"division", "by", "zero"}, "division by zero"},
		{"single quoted phrase", []string{"division by zero"}, "division by zero"},
		{"empty args", []string{}, ""},
		{"blank args", []string{"  ", "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildSearchQuery(tt.args); got != tt.expected {
				t.Errorf("buildSearchQuery(%v) = %q, want %q", tt.args, got, tt.expected)
			}
		})
	}
}

func TestReadFailures(t *testing.T) {
	t.Run("bare list", func(t *testing.T) {
		data := []byte(`  [{"failure_type":"import_error","severity":"error","message":"No module named 'yaml'"}]`)
		errs, env, err := readFailures(data)
		if err != nil {
			t.Fatal(err)
		}
		if env != nil {
			t.Error("bare list should not produce an envelope")
		}
		if len(errs) != 1 || errs[0].Message != "No module named 'yaml'" {
			t.Errorf("errs = %+v", errs)
		}
	})
	t.Run("envelope", func(t *testing.T) {
		data := []byte(`{"codebase_path":"/srv/api","analysis_type":"dynamic","results":{"execution_failures":[
			{"failure_type":"timeout_error","severity":"error","message":"timed out"},
			{"failure_type":"runtime_error","severity":"warning","message":"deprecated call"}]}}`)
		errs, env, err := readFailures(data)
		if err != nil {
			t.Fatal(err)
		}
		if env == nil || env.CodebasePath != "/srv/api" || env.AnalysisType != "dynamic" {
			t.Errorf("env = %+v", env)
		}
		if len(errs) != 2 {
			t.Errorf("errs = %d, want 2", len(errs))
		}
	})
	t.Run("envelope without codebase", func(t *testing.T) {
		if _, _, err := readFailures([]byte(`{"results":{}}`)); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", "17"})
	if err != nil || !reflect.DeepEqual(ids, []int64{3, 17}) {
		t.Errorf("parseIDs = %v, %v", ids, err)
	}
	for _, bad := range []string{"0", "-2", "abc"} {
		if _, err := parseIDs([]string{bad}); err == nil {
			t.Errorf("parseIDs(%q) should fail", bad)
		}
	}
}

func TestAPIClient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/stats":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"analyses":4,"errors":9}`))
		case "/api/v1/analyses/5/export":
			_, _ = w.Write([]byte(`{"snapshot_id":"x"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"analysis not found"}`))
		}
	}))
	defer ts.Close()
	c := newAPIClient(ts.URL + "/")

	var st struct {
		Analyses int `json:"analyses"`
		Errors   int `json:"errors"`
	}
	if err := c.do(http.MethodGet, "/api/v1/stats", nil, &st); err != nil {
		t.Fatal(err)
	}
	if st.Analyses != 4 || st.Errors != 9 {
		t.Errorf("stats = %+v", st)
	}

	var buf bytes.Buffer
	if err := c.download("/api/v1/analyses/5/export", &buf); err != nil || buf.String() != `{"snapshot_id":"x"}` {
		t.Errorf("download = %q, %v", buf.String(), err)
	}

	err := c.do(http.MethodDelete, "/api/v1/analyses/6", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "analysis not found") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8090
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(origWd) }()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS, cwd can be /private/var/... while t.TempDir() is /var/...; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolvedCanon, configPathCanon)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
}
