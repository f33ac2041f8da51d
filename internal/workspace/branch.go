package workspace

import (
	"regexp"
	"strings"
	"time"
)

const DefaultBranchPattern = "levelup/{run_id}"

var placeholders = []string{"{run_id}", "{task_title}", "{date}"}

// Aliases longest-first so "task-title" wins over "task".
var branchAliases = []struct{ alias, placeholder string }{
	{"task-title-in-kebab-case", "{task_title}"},
	{"task-title", "{task_title}"},
	{"task_title", "{task_title}"},
	{"title", "{task_title}"},
	{"task", "{task_title}"},
	{"run-id", "{run_id}"},
	{"run_id", "{run_id}"},
	{"runid", "{run_id}"},
	{"id", "{run_id}"},
	{"date", "{date}"},
}

var (
	formatDescriptorRe = regexp.MustCompile(`(?i)[-_]in[-_](kebab|snake|camel|pascal)[-_]case|[-_](slug|kebab|snake|camel|pascal)$`)
	nonAlnumRe         = regexp.MustCompile(`[^a-z0-9]+`)
	invalidRefRe       = regexp.MustCompile(`[^A-Za-z0-9._/-]+`)
	repeatSepRe        = regexp.MustCompile(`-{2,}|/{2,}|\.{2,}`)
)

func hasPlaceholder(s string) bool {
	for _, p := range placeholders {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// NormalizePattern turns natural-language conventions such as
// "feature/task-title" into "feature/{task_title}". Patterns that already
// use placeholders are returned unchanged.
func NormalizePattern(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || hasPlaceholder(s) {
		return s
	}
	segments := strings.Split(s, "/")
	for i, seg := range segments {
		seg = replaceAliases(seg)
		if hasPlaceholder(seg) {
			seg = formatDescriptorRe.ReplaceAllString(seg, "")
		}
		segments[i] = seg
	}
	return strings.Join(segments, "/")
}

func isSep(b byte) bool {
	return b == '-' || b == '_' || b == '.'
}

// replaceAliases matches aliases only on separator boundaries.
func replaceAliases(seg string) string {
	lower := strings.ToLower(seg)
	var b strings.Builder
	for i := 0; i < len(seg); {
		if i == 0 || isSep(seg[i-1]) {
			matched := false
			for _, a := range branchAliases {
				end := i + len(a.alias)
				if end > len(seg) || lower[i:end] != a.alias {
					continue
				}
				if end < len(seg) && !isSep(seg[end]) {
					continue
				}
				b.WriteString(a.placeholder)
				i = end
				matched = true
				break
			}
			if matched {
				continue
			}
		}
		b.WriteByte(seg[i])
		i++
	}
	return b.String()
}

// SanitizeTitle makes a task title safe for a branch segment.
func SanitizeTitle(title string) string {
	s := nonAlnumRe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = strings.TrimRight(s[:50], "-")
	}
	if s == "" {
		return "task"
	}
	return s
}

// BranchName substitutes placeholders in pattern and strips anything git
// would reject in a ref name.
func BranchName(pattern, runID, title string, now time.Time) string {
	pattern = NormalizePattern(pattern)
	if pattern == "" {
		pattern = DefaultBranchPattern
	}
	name := strings.NewReplacer(
		"{run_id}", runID,
		"{task_title}", SanitizeTitle(title),
		"{date}", now.Format("20060102"),
	).Replace(pattern)

	name = invalidRefRe.ReplaceAllString(name, "-")
	name = repeatSepRe.ReplaceAllStringFunc(name, func(m string) string { return m[:1] })
	name = strings.Trim(name, "/-.")
	name = strings.TrimSuffix(name, ".lock")
	if name == "" {
		return "levelup/" + runID
	}
	return name
}
