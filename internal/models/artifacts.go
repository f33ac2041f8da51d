package models

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps the labels agents tend to emit onto the four levels.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "blocker":
		return SeverityCritical
	case "error", "major", "high":
		return SeverityError
	case "warning", "warn", "minor", "medium", "moderate":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// IsMajor reports whether the finding must be fixed by the coding step.
func (s Severity) IsMajor() bool {
	return s == SeverityError || s == SeverityCritical
}

const (
	FindingSourceSecurity = "security"
	FindingSourceReview   = "review"
)

type Finding struct {
	Severity     Severity `json:"severity"`
	Source       string   `json:"source,omitempty"`
	Category     string   `json:"category,omitempty"`
	File         string   `json:"file,omitempty"`
	Line         int      `json:"line,omitempty"`
	Message      string   `json:"message"`
	Suggestion   string   `json:"suggestion,omitempty"`
	PatchApplied bool     `json:"patch_applied,omitempty"`
}

func (f Finding) String() string {
	loc := f.File
	if loc != "" && f.Line > 0 {
		loc = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	if loc == "" {
		return fmt.Sprintf("[%s] %s", f.Severity, f.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Severity, loc, f.Message)
}

type TestResult struct {
	Passed   bool   `json:"passed"`
	Total    int    `json:"total"`
	Failures int    `json:"failures"`
	Errors   int    `json:"errors"`
	Output   string `json:"output"`
	Command  string `json:"command"`
}

type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	IsNew   bool   `json:"is_new"`
}

type Requirement struct {
	ID                 string   `json:"id"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

type Requirements struct {
	Summary        string        `json:"summary"`
	Requirements   []Requirement `json:"requirements,omitempty"`
	Assumptions    []string      `json:"assumptions,omitempty"`
	OutOfScope     []string      `json:"out_of_scope,omitempty"`
	Clarifications []string      `json:"clarifications_needed,omitempty"`
}

type PlanStep struct {
	Order         int      `json:"order"`
	Description   string   `json:"description"`
	FilesToModify []string `json:"files_to_modify,omitempty"`
	FilesToCreate []string `json:"files_to_create,omitempty"`
}

type Plan struct {
	Approach      string     `json:"approach"`
	Steps         []PlanStep `json:"steps,omitempty"`
	AffectedFiles []string   `json:"affected_files,omitempty"`
	Risks         []string   `json:"risks,omitempty"`
}
