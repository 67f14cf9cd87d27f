package orchestrate

import (
	"regexp"
	"strings"
)

// approvedSentinel is matched anywhere in the supervisor's response. A
// response carrying both the sentinel and a corrected block counts as
// approval.
const approvedSentinel = "APPROVED"

// reviewTags are the task types whose output goes through the supervisor
// before it is returned. Read-only analysis tags are deliberately absent.
var reviewTags = map[string]bool{
	"draft_code_implementation": true,
	"implement_feature":         true,
	"refactor_code":             true,
	"debug_issue":               true,
}

// NeedsReview reports whether the task type warrants a supervisor pass.
func NeedsReview(toolTag string) bool { return reviewTags[toolTag] }

type reviewVerdict int

const (
	reviewFeedback reviewVerdict = iota // plain issue list, no corrected code
	reviewApproved
	reviewCorrected
)

// reviewPrompt frames the candidate for the supervisor: role, task, proposed
// solution, and the decision rules parseReview matches against.
func reviewPrompt(task, candidate string) string {
	var sb strings.Builder
	sb.WriteString("You are a senior engineer reviewing another model's work.\n\n")
	sb.WriteString("## Task\n\n")
	sb.WriteString(task)
	sb.WriteString("\n\n## Proposed solution\n\n")
	sb.WriteString(candidate)
	sb.WriteString("\n\n## Your verdict\n\n")
	sb.WriteString("- If the solution is correct and complete, reply with the single word APPROVED. You may follow it with a polished version in a fenced code block.\n")
	sb.WriteString("- If it has defects you can fix yourself, reply with the full corrected version in a fenced code block.\n")
	sb.WriteString("- Otherwise list the concrete issues as plain text so the author can rework it.\n")
	return sb.String()
}

// correctionPrompt sends the reviewer's findings back to the model that
// produced the candidate.
func correctionPrompt(task, candidate, feedback string) string {
	var sb strings.Builder
	sb.WriteString("Your previous answer was reviewed and needs rework.\n\n")
	sb.WriteString("## Task\n\n")
	sb.WriteString(task)
	sb.WriteString("\n\n## Your previous answer\n\n")
	sb.WriteString(candidate)
	sb.WriteString("\n\n## Review feedback\n\n")
	sb.WriteString(feedback)
	sb.WriteString("\n\nAddress every point and reply with the corrected answer only.\n")
	return sb.String()
}

var fencedBlock = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")

// firstFencedBlock returns the body of the first fenced code block in s, or
// "" when none is present.
func firstFencedBlock(s string) string {
	m := fencedBlock.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimRight(m[1], "\n")
}

// parseReview classifies the supervisor's response. The APPROVED sentinel
// wins even when a corrected block is also present; the returned text is
// then the optional polished version appearing after the sentinel. A fenced
// block without the sentinel is a corrected candidate. Anything else is
// feedback for the original worker.
func parseReview(resp string) (reviewVerdict, string) {
	if i := strings.Index(resp, approvedSentinel); i >= 0 {
		return reviewApproved, firstFencedBlock(resp[i+len(approvedSentinel):])
	}
	if block := firstFencedBlock(resp); block != "" {
		return reviewCorrected, block
	}
	return reviewFeedback, strings.TrimSpace(resp)
}
