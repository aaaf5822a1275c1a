package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/export"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/models"
)

const (
	maxBodyBytes = 32 << 20
	xlsxType     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

func (s *Server) handleStoreAnalysis(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	env, err := ingest.ParseEnvelope(data)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := env.Normalize()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("store analysis request", zap.String("codebase", env.CodebasePath), zap.String("type", env.AnalysisType))
	id, err := s.memory.StoreNormalized(r.Context(), n)
	if err != nil {
		s.logger.Error("store failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n.Record.ID = id
	s.respondJSON(w, http.StatusCreated, n.Record)
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &models.AnalysisFilter{
		CodebasePath: q.Get("codebase_path"),
		AnalysisType: q.Get("analysis_type"),
		Descending:   q.Get("order") != "asc",
	}
	var err error
	if filter.Since, err = queryTime(r, "since"); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Until, err = queryTime(r, "until"); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Limit, err = queryInt(r, "limit", 50); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.memory.ListAnalyses(r.Context(), filter)
	if err != nil {
		s.logger.Error("list analyses failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, run := range runs {
		run.FullResults = nil
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"analyses": runs, "total": len(runs)})
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := s.analysisID(w, r)
	if !ok {
		return
	}
	rec, found, err := s.memory.GetAnalysis(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "analysis not found")
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := s.analysisID(w, r)
	if !ok {
		return
	}
	s.logger.Debug("delete analysis request", zap.Int64("id", id))
	deleted, err := s.memory.DeleteAnalysis(r.Context(), id)
	if err != nil {
		s.logger.Error("deletion failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		s.respondError(w, http.StatusNotFound, "analysis not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type bulkDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "ids are required")
		return
	}
	n, err := s.memory.DeleteAnalyses(r.Context(), req.IDs)
	if err != nil {
		s.logger.Error("bulk deletion failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"requested": len(req.IDs), "deleted": n})
}

func (s *Server) handleUpdateMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := s.analysisID(w, r)
	if !ok {
		return
	}
	var m map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil || len(m) == 0 {
		s.respondError(w, http.StatusBadRequest, "metrics object is required")
		return
	}
	updated, err := s.memory.UpdateMetrics(r.Context(), id, m)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !updated {
		s.respondError(w, http.StatusNotFound, "analysis not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.analysisID(w, r)
	if !ok {
		return
	}
	snap, found, err := s.memory.Export(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "analysis not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="analysis-%d.json"`, id))
	if err := export.WriteJSON(w, snap); err != nil {
		s.logger.Warn("export write failed", zap.Error(err))
	}
}

func (s *Server) handleRawErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := s.analysisID(w, r)
	if !ok {
		return
	}
	if _, found, err := s.memory.GetAnalysis(r.Context(), id); err != nil || !found {
		s.respondError(w, http.StatusNotFound, "analysis not found")
		return
	}
	errs, err := s.memory.RawErrors(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"analysis_id": id, "errors": errs, "total": len(errs)})
}

func (s *Server) handleAppendErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := s.analysisID(w, r)
	if !ok {
		return
	}
	var req struct {
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Errors) == 0 {
		s.respondError(w, http.StatusBadRequest, "errors is required")
		return
	}
	errs, err := ingest.ParseFailures(req.Errors)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	found, err := s.memory.StoreExecutionLogs(r.Context(), id, errs)
	if err != nil {
		s.logger.Error("append errors failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "analysis not found")
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"analysis_id": id, "errors": errs, "total": len(errs)})
}

func (s *Server) handleVectorMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := s.analysisID(w, r)
	if !ok {
		return
	}
	meta, found, err := s.memory.VectorMetadata(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "analysis has no vector")
		return
	}
	s.respondJSON(w, http.StatusOK, meta)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query, ok := s.searchQuery(w, r)
	if !ok {
		return
	}
	response, err := s.memory.Search(r.Context(), query)
	s.respondSearch(w, response, err)
}

func (s *Server) handleSearchErrors(w http.ResponseWriter, r *http.Request) {
	query, ok := s.searchQuery(w, r)
	if !ok {
		return
	}
	response, err := s.memory.SearchErrors(r.Context(), query)
	s.respondSearch(w, response, err)
}

func (s *Server) handleSearchKeyword(w http.ResponseWriter, r *http.Request) {
	query, ok := s.searchQuery(w, r)
	if !ok {
		return
	}
	response, err := s.memory.SearchKeyword(r.Context(), query)
	s.respondSearch(w, response, err)
}

type similarRequest struct {
	Query        string     `json:"query"`
	K            int        `json:"k"`
	CodebasePath string     `json:"codebase_path,omitempty"`
	AnalysisType string     `json:"analysis_type,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Until        *time.Time `json:"until,omitempty"`
}

func (s *Server) handleSearchSimilar(w http.ResponseWriter, r *http.Request) {
	var req similarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "query cannot be empty")
		return
	}
	filter := &models.AnalysisFilter{CodebasePath: req.CodebasePath, AnalysisType: req.AnalysisType}
	if req.Since != nil {
		filter.Since = *req.Since
	}
	if req.Until != nil {
		filter.Until = *req.Until
	}
	hits, err := s.memory.SearchSimilar(r.Context(), req.Query, req.K, filter)
	if err != nil {
		s.logger.Error("similar search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"analyses": hits, "total": len(hits)})
}

type classifyRequest struct {
	Errors        json.RawMessage `json:"errors"`
	PreviousRunID int64           `json:"previous_run_id,omitempty"`
	CodebasePath  string          `json:"codebase_path,omitempty"`
	AnalysisType  string          `json:"analysis_type,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	current := []*models.ErrorRecord{}
	if len(req.Errors) > 0 && string(req.Errors) != "null" {
		parsed, err := ingest.ParseFailures(req.Errors)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		current = parsed
	}
	ctx := r.Context()
	var (
		c   *models.Classification
		err error
	)
	if req.PreviousRunID <= 0 && req.CodebasePath != "" {
		analysisType := req.AnalysisType
		if analysisType == "" {
			analysisType = "static"
		}
		c, _, err = s.memory.ClassifyAgainstLatest(ctx, req.CodebasePath, analysisType, current)
	} else {
		c, err = s.memory.ClassifyAgainstPrevious(ctx, current, req.PreviousRunID)
	}
	if err != nil {
		s.logger.Error("classification failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	codebase := r.URL.Query().Get("codebase_path")
	if codebase == "" {
		s.respondError(w, http.StatusBadRequest, "codebase_path is required")
		return
	}
	days, err := queryInt(r, "days", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("format") == "xlsx" {
		var buf bytes.Buffer
		if err := s.memory.ExportTrends(r.Context(), &buf, codebase, days); err != nil {
			s.logger.Error("trend export failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", xlsxType)
		w.Header().Set("Content-Disposition", `attachment; filename="trends.xlsx"`)
		_, _ = buf.WriteTo(w)
		return
	}
	report, err := s.memory.GetErrorTrends(r.Context(), codebase, days)
	if err != nil {
		s.logger.Error("trends failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleComparisons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a, b := q.Get("a"), q.Get("b")
	if a == "" || b == "" {
		s.respondError(w, http.StatusBadRequest, "a and b are required")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.memory.ComparisonHistory(r.Context(), a, b, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"comparisons": entries, "total": len(entries)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.memory.IndexStats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	repair, _ := strconv.ParseBool(r.URL.Query().Get("repair"))
	resp := map[string]interface{}{}
	if repair {
		reports, removed, err := s.memory.Repair(r.Context())
		if err != nil {
			s.logger.Error("repair failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["reports"] = reports
		resp["removed"] = removed
	} else {
		reports, err := s.memory.Validate(r.Context())
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		ok := true
		for _, rep := range reports {
			ok = ok && rep.OK
		}
		resp["reports"] = reports
		resp["ok"] = ok
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res, err := s.memory.Reindex(r.Context(), force)
	if err != nil {
		s.logger.Error("reindex failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

type ingestRequest struct {
	Paths     []string `json:"paths"`
	Recursive *bool    `json:"recursive,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		s.respondError(w, http.StatusNotImplemented, "ingest not enabled")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Paths) == 0 {
		s.respondError(w, http.StatusBadRequest, "paths are required")
		return
	}
	recursive := s.config.Ingest.RecursiveOrDefault()
	if req.Recursive != nil {
		recursive = *req.Recursive
	}
	batch, err := s.ingester.IngestPaths(r.Context(), req.Paths, s.config.Ingest.Extensions, recursive)
	if err != nil {
		s.logger.Error("ingest failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, batch)
}

func (s *Server) handleInboxDirectories(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		s.respondError(w, http.StatusNotImplemented, "inbox not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.inbox.Directories()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) searchQuery(w http.ResponseWriter, r *http.Request) (*models.SearchQuery, bool) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := query.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("limit", query.Limit))
	return &query, true
}

func (s *Server) respondSearch(w http.ResponseWriter, response *models.SearchResponse, err error) {
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) analysisID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, http.StatusBadRequest, "invalid analysis id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: want RFC 3339", name)
	}
	return t, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
