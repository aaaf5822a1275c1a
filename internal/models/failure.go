package models

import (
	"fmt"
	"strings"
	"time"
)

// FailureType categorizes an execution failure or finding.
type FailureType string

const (
	FailureImport        FailureType = "import_error"
	FailureCircular      FailureType = "circular_import"
	FailureSyntax        FailureType = "syntax_error"
	FailureRuntime       FailureType = "runtime_error"
	FailureDependency    FailureType = "dependency_error"
	FailureTimeout       FailureType = "timeout_error"
	FailureToolNotFound  FailureType = "tool_not_found_error"
	FailurePermission    FailureType = "permission_error"
	FailureMemory        FailureType = "memory_error"
	FailureExecution     FailureType = "execution_error"
	FailureToolExecution FailureType = "tool_execution_error"
	FailureUnknown       FailureType = "unknown_error"
)

var failureTypes = []FailureType{
	FailureImport, FailureCircular, FailureSyntax, FailureRuntime, FailureDependency,
	FailureTimeout, FailureToolNotFound, FailurePermission, FailureMemory,
	FailureExecution, FailureToolExecution, FailureUnknown,
}

var failureAliases = map[string]FailureType{
	"dependency_missing": FailureDependency,
	"tool_error":         FailureToolExecution,
	"tool_not_found":     FailureToolNotFound,
	"timeout":            FailureTimeout,
	"unknown":            FailureUnknown,
}

// ParseFailureType maps producer spellings ("IMPORT_ERROR", "import_error", "DEPENDENCY_MISSING")
// onto a FailureType. Unrecognized values become FailureUnknown.
func ParseFailureType(s string) FailureType {
	lower := strings.ToLower(strings.TrimSpace(s))
	norm := FailureType(lower)
	for _, ft := range failureTypes {
		if ft == norm {
			return ft
		}
	}
	if ft, ok := failureAliases[lower]; ok {
		return ft
	}
	return FailureUnknown
}

// Severity is the log level attached to an ErrorRecord.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Severities lists all severities from least to most severe.
var Severities = []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical}

// ParseSeverity parses s case-insensitively. An empty string defaults to SeverityError.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error", "":
		return SeverityError, nil
	case "critical", "fatal":
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("unknown severity: %q", s)
}

// AtLeastError reports whether s is error or critical.
func (s Severity) AtLeastError() bool {
	return s == SeverityError || s == SeverityCritical
}

// ErrorRecord is one failure or finding from an analysis run.
type ErrorRecord struct {
	ID                int64       `json:"id"`
	AnalysisID        int64       `json:"analysis_id"`
	FailureType       FailureType `json:"failure_type"`
	Severity          Severity    `json:"severity"`
	Message           string      `json:"message"`
	Context           string      `json:"context,omitempty"`
	RawError          string      `json:"raw_error,omitempty"`
	Traceback         string      `json:"traceback,omitempty"`
	FilePath          string      `json:"file_path,omitempty"`
	LineNumber        int         `json:"line_number,omitempty"`
	IsAnalysisFinding bool        `json:"is_analysis_finding"`
	Timestamp         time.Time   `json:"timestamp"`
}

// EmbeddingText is the text sent to the embedder for this error.
func (e *ErrorRecord) EmbeddingText() string {
	var b strings.Builder
	b.WriteString(string(e.FailureType))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Context != "" {
		b.WriteString(" (")
		b.WriteString(e.Context)
		b.WriteString(")")
	}
	return b.String()
}
