package worker

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
)

// failureClass buckets a non-zero worker exit by its stderr content.
// Model errors ride the rate-limit path so the retry lands on an
// alternative model.
type failureClass int

const (
	classGeneric failureClass = iota
	classRateLimit
	classModelError
	classAuthError
)

func (c failureClass) String() string {
	switch c {
	case classRateLimit:
		return "rate-limit"
	case classModelError:
		return "model-error"
	case classAuthError:
		return "auth-error"
	default:
		return "generic"
	}
}

// classifier matches stderr against the configured word lists.
// Matching is case-insensitive substring search.
type classifier struct {
	rateLimit []string
	modelErr  []string
	authErr   []string
}

func newClassifier(cfg config.WorkerConfig) classifier {
	return classifier{
		rateLimit: lowerAll(cfg.RateLimitWords),
		modelErr:  lowerAll(cfg.ModelErrorWords),
		authErr:   lowerAll(cfg.AuthErrorWords),
	}
}

func (c classifier) classify(stderr string) failureClass {
	s := strings.ToLower(stderr)
	switch {
	case containsAny(s, c.rateLimit):
		return classRateLimit
	case containsAny(s, c.modelErr):
		return classModelError
	case containsAny(s, c.authErr):
		return classAuthError
	default:
		return classGeneric
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func lowerAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.ToLower(w)
	}
	return out
}

// Known worker exit codes.
const (
	exitGeneric        = 1
	exitAuth           = 41
	exitFilesystem     = 44
	exitSessionTooLong = 53
	exitKilled         = 137
)

// classifyExit maps a non-zero exit code to a typed error. detail is a
// short stderr excerpt attached for diagnostics.
func classifyExit(op string, code int, detail string) error {
	switch code {
	case exitAuth:
		return fault.Errorf(fault.Authentication, op, "worker exit %d: authentication failed%s", code, suffix(detail))
	case exitFilesystem:
		return fault.Errorf(fault.Filesystem, op, "worker exit %d: filesystem access denied%s", code, suffix(detail))
	case exitSessionTooLong:
		return fault.Errorf(fault.Session, op, "worker exit %d: session too long%s", code, suffix(detail))
	case exitKilled:
		return fault.Errorf(fault.Process, op, "worker exit %d: killed (timeout or memory)%s", code, suffix(detail))
	case exitGeneric:
		return fault.Errorf(fault.Process, op, "worker exit %d: check task description%s", code, suffix(detail))
	default:
		return fault.Errorf(fault.Process, op, "worker exit %d%s", code, suffix(detail))
	}
}

func suffix(detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return ""
	}
	return fmt.Sprintf(": %s", detail)
}

// stderrTail keeps the last portion of stderr for error messages. The head
// is usually startup noise; the failure reason arrives last.
func stderrTail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
