package agent

import (
	"fmt"
	"strings"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
)

// RoleInstructReview fixes violations of a newly added project rule.
const RoleInstructReview = "instruct_review"

// RoleSecurityPatch applies fixes for low-severity security findings.
const RoleSecurityPatch = "security_patch"

// ProjectContextFile is written by detection and read by every agent.
const ProjectContextFile = "levelup/project_context.md"

var (
	readOnlyTools = []string{"Read", "Glob", "Grep"}
	writeTools    = []string{"Read", "Write", "Edit", "Glob", "Grep"}
	allTools      = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"}
)

var rolePrompts = map[string]string{
	pipeline.RoleRequirements: `You are a requirements analyst. Turn the task into precise, testable requirements.
Reply with ONLY a JSON object:
{"summary": "...", "requirements": [{"id": "R1", "description": "...", "acceptance_criteria": ["..."]}],
 "assumptions": ["..."], "out_of_scope": ["..."], "clarifications_needed": ["..."]}`,

	pipeline.RolePlanning: `You are a senior engineer planning an implementation. Read the codebase before planning.
Reply with ONLY a JSON object:
{"approach": "...", "steps": [{"order": 1, "description": "...", "files_to_modify": [], "files_to_create": []}],
 "affected_files": ["..."], "risks": ["..."]}`,

	pipeline.RoleTestWriter: `You write tests FIRST. Write failing tests that pin down every requirement, following the
project's existing test conventions. Do not implement the feature.
When done, reply with ONLY a JSON object: {"files": [{"path": "...", "is_new": true}], "summary": "..."}`,

	pipeline.RoleCoder: `You implement code until the test suite passes. Do not weaken or delete tests.
When done, reply with ONLY a JSON object: {"files": [{"path": "...", "is_new": false}], "summary": "..."}`,

	pipeline.RoleSecurity: `You are a security reviewer. Examine the changed files for vulnerabilities (injection, auth flaws,
weak crypto, path traversal, unsafe deserialization, secrets). Classify each finding as critical, error,
warning or info. Do not modify files.
Reply with ONLY a JSON object:
{"findings": [{"severity": "...", "category": "...", "file": "...", "line": 0, "description": "...",
 "recommendation": "..."}], "feedback_for_coder": "..."}`,

	pipeline.RoleReviewer: `You are a code reviewer. Review the change for correctness, clarity and adherence to project
conventions. Do not modify files.
Reply with ONLY a JSON object:
{"findings": [{"severity": "...", "category": "...", "file": "...", "line": 0, "message": "...",
 "suggestion": "..."}]}`,

	RoleSecurityPatch: `You apply small, safe fixes for the listed low-severity security findings. Keep changes
minimal and keep the tests passing. Reply with a short summary of what you changed.`,

	RoleInstructReview: `You enforce a newly added project rule. Check the listed files for violations of the rule and
fix every violation you find. Reply with a short summary of what you changed.`,
}

var roleTools = map[string][]string{
	pipeline.RoleRequirements: readOnlyTools,
	pipeline.RolePlanning:     readOnlyTools,
	pipeline.RoleTestWriter:   writeTools,
	pipeline.RoleCoder:        allTools,
	pipeline.RoleSecurity:     readOnlyTools,
	pipeline.RoleReviewer:     readOnlyTools,
	RoleSecurityPatch:         writeTools,
	RoleInstructReview:        writeTools,
}

// BuildRequest assembles the request for role from the run so far.
// Feedback, when present, is appended as the user's revision request.
func BuildRequest(role string, rc *models.RunContext, feedback string) (Request, error) {
	system, ok := rolePrompts[role]
	if !ok {
		return Request{}, fmt.Errorf("no prompt for agent role %q", role)
	}
	system += "\n\nStart by reading " + ProjectContextFile + " for project background."

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", rc.Task.Title)
	if rc.Task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", rc.Task.Description)
	}
	writeEnvironment(&b, rc)
	writeArtifacts(&b, role, rc)
	if feedback != "" {
		fmt.Fprintf(&b, "\nUSER REVISION FEEDBACK: %s\n", feedback)
	}

	return Request{
		Role:         role,
		SystemPrompt: system,
		Prompt:       b.String(),
		AllowedTools: roleTools[role],
		WorkDir:      rc.EffectivePath(),
	}, nil
}

// SecurityPatchRequest asks for fixes to findings that did not need a coding rework.
func SecurityPatchRequest(rc *models.RunContext, findings []models.Finding) Request {
	req, _ := BuildRequest(RoleSecurityPatch, rc, "")
	var b strings.Builder
	b.WriteString(req.Prompt)
	b.WriteString("\nFindings to patch:\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	req.Prompt = b.String()
	return req
}

// InstructReviewRequest asks for rule violations in files to be fixed.
func InstructReviewRequest(rc *models.RunContext, rule string, files []string) Request {
	req, _ := BuildRequest(RoleInstructReview, rc, "")
	var b strings.Builder
	b.WriteString(req.Prompt)
	fmt.Fprintf(&b, "\nNew project rule: %s\n\nFiles changed in this run:\n", rule)
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	req.Prompt = b.String()
	return req
}

func writeEnvironment(b *strings.Builder, rc *models.RunContext) {
	if rc.Language == "" && rc.TestCommand == "" {
		return
	}
	fmt.Fprintf(b, "\nProject: language=%s framework=%s test_command=%q\n", rc.Language, rc.Framework, rc.TestCommand)
}

func writeArtifacts(b *strings.Builder, role string, rc *models.RunContext) {
	if rc.Requirements != nil && role != pipeline.RoleRequirements {
		b.WriteString("\nRequirements:\n")
		for _, r := range rc.Requirements.Requirements {
			fmt.Fprintf(b, "- %s: %s\n", r.ID, r.Description)
		}
		if len(rc.Requirements.Requirements) == 0 {
			fmt.Fprintf(b, "%s\n", rc.Requirements.Summary)
		}
	}
	if rc.Plan != nil && role != pipeline.RoleRequirements && role != pipeline.RolePlanning {
		fmt.Fprintf(b, "\nPlan: %s\n", rc.Plan.Approach)
		for _, s := range rc.Plan.Steps {
			fmt.Fprintf(b, "%d. %s\n", s.Order, s.Description)
		}
	}
	if len(rc.TestFiles) > 0 {
		b.WriteString("\nTest files:\n")
		for _, f := range rc.TestFiles {
			fmt.Fprintf(b, "- %s\n", f.Path)
		}
	}
	if len(rc.CodeFiles) > 0 {
		b.WriteString("\nImplementation files:\n")
		for _, f := range rc.CodeFiles {
			fmt.Fprintf(b, "- %s\n", f.Path)
		}
	}
	if tr := rc.LatestTestResult(); tr != nil && (role == pipeline.RoleCoder || role == pipeline.RoleSecurity || role == pipeline.RoleReviewer) {
		status := "PASSED"
		if !tr.Passed {
			status = "FAILED"
		}
		fmt.Fprintf(b, "\nLatest test run (%s): %s, %d total, %d failures, %d errors\n",
			tr.Command, status, tr.Total, tr.Failures, tr.Errors)
	}
	if role == pipeline.RoleCoder {
		var major []models.Finding
		for _, f := range rc.FindingsFrom(models.FindingSourceSecurity) {
			if f.Severity.IsMajor() {
				major = append(major, f)
			}
		}
		if len(major) > 0 {
			b.WriteString("\nSecurity findings to fix:\n")
			for _, f := range major {
				fmt.Fprintf(b, "- %s\n", f)
			}
		}
	}
}
