package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/consistency"
	"github.com/hyperjump/kioku/internal/export"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/memory"
	"github.com/hyperjump/kioku/internal/models"
)

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = open the store directly)")
	recursive := fs.Bool("recursive", true, "walk directories recursively")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: kioku ingest [flags] <file-or-directory>...")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)
	paths := make([]string, fs.NArg())
	for i, p := range fs.Args() {
		abs, err := filepath.Abs(p)
		if err != nil {
			fatalf("Invalid path %s: %v", p, err)
		}
		paths[i] = abs
	}

	var batch ingest.Batch
	if *serverURL != "" {
		body := map[string]any{"paths": paths, "recursive": *recursive}
		if err := newAPIClient(*serverURL).do(http.MethodPost, "/api/v1/ingest", body, &batch); err != nil {
			fatalf("Ingest failed: %v", err)
		}
	} else {
		svc, cfg, done := openDirect(*configPath)
		defer done()
		ingester := ingest.NewIngester(svc, svc.Storage(), nil)
		b, err := ingester.IngestPaths(context.Background(), paths, cfg.Ingest.Extensions, *recursive)
		if err != nil {
			fatalf("Ingest failed: %v", err)
		}
		batch = *b
	}

	if format == cli.OutputJSON {
		_ = cli.WriteJSON(os.Stdout, batch)
		return
	}
	for _, o := range batch.Outcomes {
		switch {
		case o.Error != "":
			fmt.Printf("failed   %s: %s\n", o.Path, o.Error)
		case o.Skipped:
			fmt.Printf("skipped  %s\n", o.Path)
		default:
			fmt.Printf("stored   %s (run %d)\n", o.Path, o.AnalysisID)
		}
	}
	fmt.Printf("\nStored %d, skipped %d, failed %d\n", batch.Stored, batch.Skipped, batch.Failed)
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: kioku search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  kioku search missing dependency in data loader
  kioku search --codebase /srv/api --limit 10 "import cycle"
  kioku search --errors --semantic=false ModuleNotFoundError
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	limit := fs.Int("limit", 5, "number of results")
	codebase := fs.String("codebase", "", "only runs of this codebase")
	analysisType := fs.String("type", "", "only runs of this analysis type")
	errorsOnly := fs.Bool("errors", false, "search individual errors instead of runs")
	kwEnabled := fs.Bool("keyword", true, "enable keyword search")
	semEnabled := fs.Bool("semantic", true, "enable semantic search")
	minScore := fs.Float64("min-score", 0, "drop hits below this fused score")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)
	query := &models.SearchQuery{
		Query:           queryStr,
		Limit:           *limit,
		CodebasePath:    *codebase,
		AnalysisType:    *analysisType,
		KeywordEnabled:  *kwEnabled,
		SemanticEnabled: *semEnabled,
		MinScore:        *minScore,
	}

	var response *models.SearchResponse
	if *serverURL != "" {
		path := "/api/v1/search"
		if *errorsOnly {
			path = "/api/v1/search/errors"
		}
		response = &models.SearchResponse{}
		if err := newAPIClient(*serverURL).do(http.MethodPost, path, query, response); err != nil {
			fatalf("Search failed: %v", err)
		}
	} else {
		svc, _, done := openDirect(*configPath)
		defer done()
		var err error
		if *errorsOnly {
			response, err = svc.SearchErrors(context.Background(), query)
		} else {
			response, err = svc.Search(context.Background(), query)
		}
		if err != nil {
			fatalf("Search failed: %v", err)
		}
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// readFailures reads either a bare execution_failures list or a full result envelope.
// For an envelope it also returns the envelope, so its codebase and type can serve as defaults.
func readFailures(data []byte) ([]*models.ErrorRecord, *ingest.Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		errs, err := ingest.ParseFailures(trimmed)
		return errs, nil, err
	}
	env, err := ingest.ParseEnvelope(trimmed)
	if err != nil {
		return nil, nil, err
	}
	n, err := env.Normalize()
	if err != nil {
		return nil, nil, err
	}
	return n.Record.Failures, env, nil
}

func runClassify() {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	previous := fs.Int64("previous", 0, "id of the run to compare against (default: latest run of the codebase)")
	codebase := fs.String("codebase", "", "codebase whose latest run is the baseline")
	analysisType := fs.String("type", "", "analysis type of the baseline run")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: kioku classify [flags] <failures.json|result.json>")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fatalf("Failed to read %s: %v", fs.Arg(0), err)
	}
	current, env, err := readFailures(data)
	if err != nil {
		fatalf("Failed to parse %s: %v", fs.Arg(0), err)
	}
	if env != nil {
		if *codebase == "" {
			*codebase = env.CodebasePath
		}
		if *analysisType == "" {
			*analysisType = env.AnalysisType
		}
	}
	if *analysisType == "" {
		*analysisType = "static"
	}

	var c *models.Classification
	if *serverURL != "" {
		body := map[string]any{
			"errors":          current,
			"previous_run_id": *previous,
			"codebase_path":   *codebase,
			"analysis_type":   *analysisType,
		}
		c = &models.Classification{}
		if err := newAPIClient(*serverURL).do(http.MethodPost, "/api/v1/classify", body, c); err != nil {
			fatalf("Classify failed: %v", err)
		}
	} else {
		svc, _, done := openDirect(*configPath)
		defer done()
		ctx := context.Background()
		if *previous <= 0 && *codebase != "" {
			c, _, err = svc.ClassifyAgainstLatest(ctx, *codebase, *analysisType, current)
		} else {
			c, err = svc.ClassifyAgainstPrevious(ctx, current, *previous)
		}
		if err != nil {
			fatalf("Classify failed: %v", err)
		}
	}
	if err := cli.WriteClassification(os.Stdout, c, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// createOutput opens path for writing; "" and "-" mean stdout.
func createOutput(path string) (io.Writer, func()) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}
	}
	f, err := os.Create(path)
	if err != nil {
		fatalf("Failed to create %s: %v", path, err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			fatalf("Failed to write %s: %v", path, err)
		}
	}
}

func runTrends() {
	fs := flag.NewFlagSet("trends", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	codebase := fs.String("codebase", "", "codebase path (required)")
	days := fs.Int("days", 0, "window in days (default from config)")
	outputFormat := fs.String("output", "text", "output format: text, json or xlsx")
	outPath := fs.String("out", "", "file for xlsx output (default trends.xlsx)")
	_ = fs.Parse(os.Args[2:])
	if *codebase == "" {
		fmt.Println("Usage: kioku trends --codebase <path> [--days N] [--output text|json|xlsx]")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat, cli.OutputText, cli.OutputJSON, "xlsx")
	ctx := context.Background()

	if format == "xlsx" {
		if *outPath == "" {
			*outPath = "trends.xlsx"
		}
		w, closeOut := createOutput(*outPath)
		if *serverURL != "" {
			q := url.Values{"codebase_path": {*codebase}, "days": {strconv.Itoa(*days)}, "format": {"xlsx"}}
			if err := newAPIClient(*serverURL).download("/api/v1/trends?"+q.Encode(), w); err != nil {
				fatalf("Trend export failed: %v", err)
			}
		} else {
			svc, _, done := openDirect(*configPath)
			defer done()
			if err := svc.ExportTrends(ctx, w, *codebase, *days); err != nil {
				fatalf("Trend export failed: %v", err)
			}
		}
		closeOut()
		fmt.Printf("Wrote %s\n", *outPath)
		return
	}

	var report *models.TrendReport
	if *serverURL != "" {
		q := url.Values{"codebase_path": {*codebase}, "days": {strconv.Itoa(*days)}}
		report = &models.TrendReport{}
		if err := newAPIClient(*serverURL).do(http.MethodGet, "/api/v1/trends?"+q.Encode(), nil, report); err != nil {
			fatalf("Trends failed: %v", err)
		}
	} else {
		svc, _, done := openDirect(*configPath)
		defer done()
		var err error
		if report, err = svc.GetErrorTrends(ctx, *codebase, *days); err != nil {
			fatalf("Trends failed: %v", err)
		}
	}
	if err := cli.WriteTrends(os.Stdout, report, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid run id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: kioku delete [flags] <run-id>...")
		os.Exit(1)
	}
	ids, err := parseIDs(fs.Args())
	if err != nil {
		fatalf("%v", err)
	}

	var deleted int
	if *serverURL != "" {
		client := newAPIClient(*serverURL)
		if len(ids) == 1 {
			if err := client.do(http.MethodDelete, fmt.Sprintf("/api/v1/analyses/%d", ids[0]), nil, nil); err != nil {
				fatalf("Deletion failed: %v", err)
			}
			deleted = 1
		} else {
			var out struct {
				Deleted int `json:"deleted"`
			}
			if err := client.do(http.MethodPost, "/api/v1/analyses/bulk-delete", map[string]any{"ids": ids}, &out); err != nil {
				fatalf("Deletion failed: %v", err)
			}
			deleted = out.Deleted
		}
	} else {
		svc, _, done := openDirect(*configPath)
		defer done()
		if deleted, err = svc.DeleteAnalyses(context.Background(), ids); err != nil {
			fatalf("Deletion failed: %v", err)
		}
	}
	if deleted == 0 {
		fatalf("No matching runs")
	}
	fmt.Printf("Deleted %d of %d run(s)\n", deleted, len(ids))
}

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	outPath := fs.String("out", "", "output file (default stdout)")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() != 1 {
		fmt.Println("Usage: kioku export [flags] <run-id>")
		os.Exit(1)
	}
	ids, err := parseIDs(fs.Args())
	if err != nil {
		fatalf("%v", err)
	}
	w, closeOut := createOutput(*outPath)
	if *serverURL != "" {
		if err := newAPIClient(*serverURL).download(fmt.Sprintf("/api/v1/analyses/%d/export", ids[0]), w); err != nil {
			fatalf("Export failed: %v", err)
		}
	} else {
		svc, _, done := openDirect(*configPath)
		defer done()
		snap, found, err := svc.Export(context.Background(), ids[0])
		if err != nil {
			fatalf("Export failed: %v", err)
		}
		if !found {
			fatalf("Run %d not found", ids[0])
		}
		if err := export.WriteJSON(w, snap); err != nil {
			fatalf("Export failed: %v", err)
		}
	}
	closeOut()
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	st := &memory.Stats{}
	if *serverURL != "" {
		if err := newAPIClient(*serverURL).do(http.MethodGet, "/api/v1/stats", nil, st); err != nil {
			fatalf("Status failed: %v", err)
		}
	} else {
		svc, _, done := openDirect(*configPath)
		defer done()
		var err error
		if st, err = svc.IndexStats(context.Background()); err != nil {
			fatalf("Status failed: %v", err)
		}
	}
	if err := cli.WriteStats(os.Stdout, st, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runValidate() {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	repair := fs.Bool("repair", false, "remove vectors whose record no longer exists")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	var out struct {
		Reports []*consistency.Report `json:"reports"`
		Removed int                   `json:"removed"`
	}
	out.Removed = -1
	if *serverURL != "" {
		path := "/api/v1/validate?repair=" + strconv.FormatBool(*repair)
		if err := newAPIClient(*serverURL).do(http.MethodPost, path, nil, &out); err != nil {
			fatalf("Validate failed: %v", err)
		}
	} else {
		svc, _, done := openDirect(*configPath)
		defer done()
		var err error
		if *repair {
			out.Reports, out.Removed, err = svc.Repair(context.Background())
		} else {
			out.Reports, err = svc.Validate(context.Background())
		}
		if err != nil {
			fatalf("Validate failed: %v", err)
		}
	}
	if err := cli.WriteReports(os.Stdout, out.Reports, out.Removed, format); err != nil {
		fatalf("Output failed: %v", err)
	}
	if !*repair {
		for _, r := range out.Reports {
			if !r.OK {
				os.Exit(2)
			}
		}
	}
}

func runReindex() {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	force := fs.Bool("force", false, "re-embed every run and error")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	res := &memory.ReindexResult{}
	if *serverURL != "" {
		path := "/api/v1/reindex?force=" + strconv.FormatBool(*force)
		if err := newAPIClient(*serverURL).do(http.MethodPost, path, nil, res); err != nil {
			fatalf("Reindex failed: %v", err)
		}
	} else {
		svc, _, done := openDirect(*configPath)
		defer done()
		var err error
		if res, err = svc.Reindex(context.Background(), *force); err != nil {
			fatalf("Reindex failed: %v", err)
		}
	}
	if format == cli.OutputJSON {
		_ = cli.WriteJSON(os.Stdout, res)
		return
	}
	fmt.Printf("Embedded %d run(s) and %d error(s); %d keyword document(s) rebuilt\n", res.Analyses, res.Errors, res.Keyword)
}
