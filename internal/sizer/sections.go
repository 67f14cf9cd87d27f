package sizer

import (
	"regexp"
	"strings"
)

// headerRe matches markdown headings and bold-line pseudo-headings, the two
// shapes worker models actually emit.
var headerRe = regexp.MustCompile(`^\s{0,3}(#{1,6}\s+\S|\*\*[^*]+\*\*:?\s*$)`)

var sectionPatterns = map[string]*regexp.Regexp{
	"summary":         regexp.MustCompile(`(?i)\b(summary|overview|tl;?dr)\b`),
	"recommendations": regexp.MustCompile(`(?i)\b(recommendations?|suggestions?|next steps)\b`),
	"errors":          regexp.MustCompile(`(?i)\b(errors?|issues?|problems?|failures?)\b`),
	"files-changed":   regexp.MustCompile(`(?i)\b(files?[ -]changed|changed files?|modified files?|files? modified)\b`),
}

// extractSection returns the first section of text whose heading matches
// the named pattern, heading line included, up to the next heading.
func extractSection(text, name string) string {
	pat, ok := sectionPatterns[name]
	if !ok {
		return ""
	}

	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		if headerRe.MatchString(line) && pat.MatchString(line) {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if headerRe.MatchString(lines[i]) {
			end = i
			break
		}
	}
	return strings.TrimRight(strings.Join(lines[start:end], "\n"), "\n")
}
