// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kioku/internal/models"
)

// idBatchSize bounds the number of placeholders in one IN (...) clause.
const idBatchSize = 500

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS analysis_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		codebase_path TEXT NOT NULL,
		analysis_type TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		metrics TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'complete',
		coverage_percentage REAL NOT NULL DEFAULT 0,
		completeness_context TEXT NOT NULL DEFAULT '',
		files_discovered INTEGER NOT NULL DEFAULT 0,
		files_analyzed INTEGER NOT NULL DEFAULT 0,
		files_skipped INTEGER NOT NULL DEFAULT 0,
		full_results TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_codebase ON analysis_results(codebase_path);
	CREATE INDEX IF NOT EXISTS idx_analysis_timestamp ON analysis_results(timestamp);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		analysis_id INTEGER NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		failure_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		raw_error TEXT NOT NULL DEFAULT '',
		traceback TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		line_number INTEGER NOT NULL DEFAULT 0,
		is_analysis_finding INTEGER NOT NULL DEFAULT 0,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (analysis_id) REFERENCES analysis_results(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_logs_analysis_id ON execution_logs(analysis_id, position);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON execution_logs(timestamp);

	CREATE TABLE IF NOT EXISTS ingested_files (
		path TEXT PRIMARY KEY,
		mod_time TIMESTAMP NOT NULL,
		size INTEGER NOT NULL,
		analysis_id INTEGER NOT NULL,
		ingested_at TIMESTAMP NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

const analysisColumns = `id, codebase_path, analysis_type, timestamp, summary, metrics, status,
	coverage_percentage, completeness_context, files_discovered, files_analyzed, files_skipped, full_results`

const logColumns = `id, analysis_id, failure_type, severity, message, context, raw_error, traceback,
	file_path, line_number, is_analysis_finding, timestamp`

// StoreAnalysis inserts rec and its failures in one transaction, then sets rec.ID and each failure's ID.
func (s *SQLiteStorage) StoreAnalysis(ctx context.Context, rec *models.AnalysisRecord) (int64, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Status == "" {
		rec.Status = models.StatusComplete
	}
	metricsJSON, err := marshalMetrics(rec.Metrics)
	if err != nil {
		return 0, err
	}
	var fullResults interface{}
	if len(rec.FullResults) > 0 {
		fullResults = string(rec.FullResults)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ioErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO analysis_results (codebase_path, analysis_type, timestamp, summary, metrics, status,
		 coverage_percentage, completeness_context, files_discovered, files_analyzed, files_skipped, full_results)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CodebasePath, rec.AnalysisType, rec.Timestamp.UTC(), rec.Summary, metricsJSON, string(rec.Status),
		rec.CoveragePercentage, rec.CompletenessContext, rec.FilesDiscovered, rec.FilesAnalyzed, rec.FilesSkipped,
		fullResults,
	)
	if err != nil {
		return 0, ioErr("insert analysis", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ioErr("insert analysis", err)
	}
	if err := insertLogs(ctx, tx, id, 0, rec.Failures); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, ioErr("commit", err)
	}
	rec.ID = id
	return id, nil
}

// StoreExecutionLogs appends failures to an existing analysis run.
func (s *SQLiteStorage) StoreExecutionLogs(ctx context.Context, analysisID int64, failures []*models.ErrorRecord) error {
	if len(failures) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("begin", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM execution_logs WHERE analysis_id = ?`, analysisID,
	).Scan(&next); err != nil {
		return ioErr("select position", err)
	}
	if err := insertLogs(ctx, tx, analysisID, next, failures); err != nil {
		return err
	}
	return ioErr("commit", tx.Commit())
}

func insertLogs(ctx context.Context, tx *sql.Tx, analysisID int64, startPos int, failures []*models.ErrorRecord) error {
	if len(failures) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO execution_logs (analysis_id, position, failure_type, severity, message, context, raw_error,
		 traceback, file_path, line_number, is_analysis_finding, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return ioErr("prepare logs", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i, f := range failures {
		if f.Timestamp.IsZero() {
			f.Timestamp = now
		}
		if f.FailureType == "" {
			f.FailureType = models.FailureUnknown
		}
		if f.Severity == "" {
			f.Severity = models.SeverityError
		}
		res, err := stmt.ExecContext(ctx, analysisID, startPos+i, string(f.FailureType), string(f.Severity),
			f.Message, f.Context, f.RawError, f.Traceback, f.FilePath, f.LineNumber,
			boolToInt(f.IsAnalysisFinding), f.Timestamp.UTC())
		if err != nil {
			return ioErr("insert log", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ioErr("insert log", err)
		}
		f.ID = id
		f.AnalysisID = analysisID
	}
	return nil
}

// GetAnalysis returns the analysis with id, including its failures in stored order.
func (s *SQLiteStorage) GetAnalysis(ctx context.Context, id int64) (*models.AnalysisRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analysis_results WHERE id = ?`, id)
	rec, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	failures, err := s.GetErrors(ctx, id)
	if err != nil {
		return nil, false, err
	}
	rec.Failures = failures
	return rec, true, nil
}

// QueryAnalyses returns runs matching filter ordered by timestamp (ascending unless filter.Descending).
// Failures are not loaded; use GetAnalysis or GetErrors for them.
func (s *SQLiteStorage) QueryAnalyses(ctx context.Context, filter *models.AnalysisFilter) ([]*models.AnalysisRecord, error) {
	if filter == nil {
		filter = &models.AnalysisFilter{}
	}
	var where []string
	var args []interface{}
	if filter.CodebasePath != "" {
		where = append(where, "codebase_path = ?")
		args = append(args, filter.CodebasePath)
	}
	if filter.AnalysisType != "" {
		where = append(where, "analysis_type = ?")
		args = append(args, filter.AnalysisType)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.Until.UTC())
	}
	q := `SELECT ` + analysisColumns + ` FROM analysis_results`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Descending {
		q += " ORDER BY timestamp DESC, id DESC"
	} else {
		q += " ORDER BY timestamp ASC, id ASC"
	}
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ioErr("query analyses", err)
	}
	defer rows.Close()

	var out []*models.AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, ioErr("query analyses", rows.Err())
}

// DeleteAnalysis removes the run and its execution logs. Returns false if id does not exist.
func (s *SQLiteStorage) DeleteAnalysis(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, ioErr("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_logs WHERE analysis_id = ?`, id); err != nil {
		return false, ioErr("delete logs", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM analysis_results WHERE id = ?`, id)
	if err != nil {
		return false, ioErr("delete analysis", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ingested_files WHERE analysis_id = ?`, id); err != nil {
		return false, ioErr("delete ingested file", err)
	}
	if err := tx.Commit(); err != nil {
		return false, ioErr("commit", err)
	}
	return true, nil
}

// UpdateMetrics merges metrics into the stored metric map. Returns false if id does not exist.
func (s *SQLiteStorage) UpdateMetrics(ctx context.Context, id int64, metrics map[string]float64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, ioErr("begin", err)
	}
	defer tx.Rollback()

	var metricsJSON string
	err = tx.QueryRowContext(ctx, `SELECT metrics FROM analysis_results WHERE id = ?`, id).Scan(&metricsJSON)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, ioErr("select metrics", err)
	}
	current := make(map[string]float64)
	if metricsJSON != "" {
		if err := json.Unmarshal([]byte(metricsJSON), &current); err != nil {
			return false, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	for k, v := range metrics {
		current[k] = v
	}
	merged, err := marshalMetrics(current)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE analysis_results SET metrics = ? WHERE id = ?`, merged, id); err != nil {
		return false, ioErr("update metrics", err)
	}
	if err := tx.Commit(); err != nil {
		return false, ioErr("commit", err)
	}
	return true, nil
}

// ListAnalysisIDs returns every stored analysis id in ascending order.
func (s *SQLiteStorage) ListAnalysisIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM analysis_results ORDER BY id`)
	if err != nil {
		return nil, ioErr("list analysis ids", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, ioErr("list analysis ids", err)
		}
		ids = append(ids, id)
	}
	return ids, ioErr("list analysis ids", rows.Err())
}

// GetErrors returns the execution logs of one run in stored order.
func (s *SQLiteStorage) GetErrors(ctx context.Context, analysisID int64) ([]*models.ErrorRecord, error) {
	return s.queryLogs(ctx,
		`SELECT `+logColumns+` FROM execution_logs WHERE analysis_id = ? ORDER BY position, id`, analysisID)
}

// GetError returns a single execution log entry.
func (s *SQLiteStorage) GetError(ctx context.Context, id int64) (*models.ErrorRecord, bool, error) {
	logs, err := s.queryLogs(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE id = ?`, id)
	if err != nil {
		return nil, false, err
	}
	if len(logs) == 0 {
		return nil, false, nil
	}
	return logs[0], true, nil
}

// QueryErrors returns execution logs across runs ordered by timestamp ascending.
func (s *SQLiteStorage) QueryErrors(ctx context.Context, filter *models.ErrorFilter) ([]*models.ErrorRecord, error) {
	if filter == nil {
		filter = &models.ErrorFilter{}
	}
	q := `SELECT ` + qualifyColumns("l", logColumns) + ` FROM execution_logs l`
	var where []string
	var args []interface{}
	if filter.CodebasePath != "" {
		q += ` JOIN analysis_results a ON a.id = l.analysis_id`
		where = append(where, "a.codebase_path = ?")
		args = append(args, filter.CodebasePath)
	}
	if filter.AnalysisID > 0 {
		where = append(where, "l.analysis_id = ?")
		args = append(args, filter.AnalysisID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "l.timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.MinSeverity != "" {
		var allowed []string
		keep := false
		for _, sev := range models.Severities {
			if sev == filter.MinSeverity {
				keep = true
			}
			if keep {
				allowed = append(allowed, "?")
				args = append(args, string(sev))
			}
		}
		if len(allowed) > 0 {
			where = append(where, "l.severity IN ("+strings.Join(allowed, ",")+")")
		}
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY l.timestamp, l.id"
	return s.queryLogs(ctx, q, args...)
}

func (s *SQLiteStorage) queryLogs(ctx context.Context, q string, args ...interface{}) ([]*models.ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ioErr("query logs", err)
	}
	defer rows.Close()

	var out []*models.ErrorRecord
	for rows.Next() {
		var e models.ErrorRecord
		var failureType, severity string
		var finding int
		if err := rows.Scan(&e.ID, &e.AnalysisID, &failureType, &severity, &e.Message, &e.Context, &e.RawError,
			&e.Traceback, &e.FilePath, &e.LineNumber, &finding, &e.Timestamp); err != nil {
			return nil, ioErr("scan log", err)
		}
		e.FailureType = models.FailureType(failureType)
		e.Severity = models.Severity(severity)
		e.IsAnalysisFinding = finding != 0
		out = append(out, &e)
	}
	return out, ioErr("query logs", rows.Err())
}

// ExistingAnalysisIDs returns the subset of ids that exist in analysis_results.
func (s *SQLiteStorage) ExistingAnalysisIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	return s.existingIDs(ctx, "analysis_results", ids)
}

// ExistingErrorIDs returns the subset of ids that exist in execution_logs.
func (s *SQLiteStorage) ExistingErrorIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	return s.existingIDs(ctx, "execution_logs", ids)
}

func (s *SQLiteStorage) existingIDs(ctx context.Context, table string, ids []int64) (map[int64]bool, error) {
	found := make(map[int64]bool, len(ids))
	for start := 0; start < len(ids); start += idBatchSize {
		end := start + idBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]interface{}, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT id FROM `+table+` WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, ioErr("check ids", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, ioErr("check ids", err)
			}
			found[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, ioErr("check ids", err)
		}
	}
	return found, nil
}

// GetIngestedFile returns bookkeeping for a previously ingested producer file.
func (s *SQLiteStorage) GetIngestedFile(ctx context.Context, path string) (*IngestedFile, bool, error) {
	var f IngestedFile
	err := s.db.QueryRowContext(ctx,
		`SELECT path, mod_time, size, analysis_id, ingested_at FROM ingested_files WHERE path = ?`, path,
	).Scan(&f.Path, &f.ModTime, &f.Size, &f.AnalysisID, &f.IngestedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr("get ingested file", err)
	}
	return &f, true, nil
}

// RecordIngestedFile upserts bookkeeping for an ingested producer file.
func (s *SQLiteStorage) RecordIngestedFile(ctx context.Context, f *IngestedFile) error {
	if f.IngestedAt.IsZero() {
		f.IngestedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingested_files (path, mod_time, size, analysis_id, ingested_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET mod_time = excluded.mod_time, size = excluded.size,
		 analysis_id = excluded.analysis_id, ingested_at = excluded.ingested_at`,
		f.Path, f.ModTime.UTC(), f.Size, f.AnalysisID, f.IngestedAt.UTC(),
	)
	return ioErr("record ingested file", err)
}

// CountAnalyses returns the total number of analysis runs.
func (s *SQLiteStorage) CountAnalyses(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_results`).Scan(&count)
	return count, ioErr("count analyses", err)
}

// CountErrors returns the total number of execution log entries.
func (s *SQLiteStorage) CountErrors(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_logs`).Scan(&count)
	return count, ioErr("count errors", err)
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnalysis(row rowScanner) (*models.AnalysisRecord, error) {
	var rec models.AnalysisRecord
	var metricsJSON, status string
	var fullResults sql.NullString
	err := row.Scan(&rec.ID, &rec.CodebasePath, &rec.AnalysisType, &rec.Timestamp, &rec.Summary, &metricsJSON,
		&status, &rec.CoveragePercentage, &rec.CompletenessContext, &rec.FilesDiscovered, &rec.FilesAnalyzed,
		&rec.FilesSkipped, &fullResults)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, ioErr("scan analysis", err)
	}
	rec.Status = models.AnalysisStatus(status)
	rec.Metrics = make(map[string]float64)
	if metricsJSON != "" {
		if err := json.Unmarshal([]byte(metricsJSON), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	if fullResults.Valid && fullResults.String != "" {
		rec.FullResults = json.RawMessage(fullResults.String)
	}
	return &rec, nil
}

func qualifyColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func marshalMetrics(m map[string]float64) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
