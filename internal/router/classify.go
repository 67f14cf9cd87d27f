package router

import "regexp"

// Complexity is the classified difficulty of a task.
type Complexity string

const (
	Trivial  Complexity = "trivial"
	Standard Complexity = "standard"
	Complex  Complexity = "complex"
	Critical Complexity = "critical"
)

// tagComplexity maps caller tool tags to complexity. A tag is a stronger
// signal than anything in the task text, so it is consulted first.
var tagComplexity = map[string]Complexity{
	"ask":                        Trivial,
	"ask_gemini":                 Trivial,
	"quick_question":             Trivial,
	"summarize_text":             Trivial,
	"brainstorm":                 Standard,
	"conversation_send":          Standard,
	"draft_code_implementation":  Complex,
	"implement_feature":          Complex,
	"refactor_code":              Complex,
	"debug_issue":                Complex,
	"agent_run":                  Complex,
	"code_review":                Critical,
	"review_architecture":        Critical,
	"security_audit":             Critical,
	"production_incident_triage": Critical,
}

// Regex fallbacks for untagged tasks, checked in priority order: complex
// indicators win over simple ones; anything else is standard.
var (
	complexRe = regexp.MustCompile(`(?i)\b(architect(ure)?|refactor|redesign|implement|debug|security|concurren(t|cy)|distributed|migrat(e|ion)|optimi[sz]e|protocol|algorithm|race condition|deadlock)\b`)
	trivialRe = regexp.MustCompile(`(?i)(^\s*(what|who|when|where)\s+(is|are|was|were)\b|\b(define|meaning of|translate|spell|convert|how many|rename|typo)\b)`)
)

// Classify determines task complexity from the tool tag when present,
// otherwise from the task text.
func Classify(task, toolTag string) Complexity {
	if c, ok := tagComplexity[toolTag]; ok {
		return c
	}
	if complexRe.MatchString(task) {
		return Complex
	}
	if trivialRe.MatchString(task) {
		return Trivial
	}
	return Standard
}

// PreferredTier maps complexity to the model tier best suited for it.
// preferFast overrides everything and forces the cheapest tier.
func PreferredTier(c Complexity, preferFast bool) int {
	if preferFast {
		return 3
	}
	switch c {
	case Critical, Complex:
		return 1
	case Trivial:
		return 3
	default:
		return 2
	}
}
