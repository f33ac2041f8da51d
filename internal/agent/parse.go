package agent

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/mpataki/levelup/internal/models"
)

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

var ErrNoJSON = errors.New("no JSON object in agent output")

// ExtractJSON finds the JSON object in an agent reply: a fenced block if
// present, otherwise the outermost braces.
func ExtractJSON(text string) (string, error) {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return m[1], nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", ErrNoJSON
	}
	return text[start : end+1], nil
}

func decodeJSON(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// ParseRequirements falls back to using the whole reply as the summary.
func ParseRequirements(text string) (*models.Requirements, error) {
	var r models.Requirements
	if err := decodeJSON(text, &r); err != nil {
		return &models.Requirements{Summary: strings.TrimSpace(text)}, err
	}
	return &r, nil
}

// ParsePlan falls back to using the whole reply as the approach.
func ParsePlan(text string) (*models.Plan, error) {
	var p models.Plan
	if err := decodeJSON(text, &p); err != nil {
		return &models.Plan{Approach: strings.TrimSpace(text)}, err
	}
	return &p, nil
}

type fileReport struct {
	Files []models.FileChange `json:"files"`
}

func ParseFiles(text string) ([]models.FileChange, error) {
	var r fileReport
	if err := decodeJSON(text, &r); err != nil {
		return nil, err
	}
	return r.Files, nil
}

type rawFinding struct {
	Severity       string `json:"severity"`
	Category       string `json:"category"`
	File           string `json:"file"`
	Line           int    `json:"line"`
	Message        string `json:"message"`
	Description    string `json:"description"`
	Suggestion     string `json:"suggestion"`
	Recommendation string `json:"recommendation"`
	PatchApplied   bool   `json:"patch_applied"`
}

type findingReport struct {
	Findings []rawFinding `json:"findings"`
	Feedback string       `json:"feedback_for_coder"`
}

// ParseFindings normalizes severities and the message/suggestion field names
// used by the security and review prompts.
func ParseFindings(text string) ([]models.Finding, string, error) {
	var r findingReport
	if err := decodeJSON(text, &r); err != nil {
		return nil, "", err
	}
	out := make([]models.Finding, 0, len(r.Findings))
	for _, f := range r.Findings {
		msg := f.Message
		if msg == "" {
			msg = f.Description
		}
		sug := f.Suggestion
		if sug == "" {
			sug = f.Recommendation
		}
		out = append(out, models.Finding{
			Severity:     models.ParseSeverity(f.Severity),
			Category:     f.Category,
			File:         f.File,
			Line:         f.Line,
			Message:      msg,
			Suggestion:   sug,
			PatchApplied: f.PatchApplied,
		})
	}
	return out, r.Feedback, nil
}
