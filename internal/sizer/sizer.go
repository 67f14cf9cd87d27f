// Package sizer shapes worker output to fit downstream budgets. Oversized
// output is persisted in full to an artifact file and replaced inline by a
// structured summary that always names the artifact path, so nothing is
// silently lost.
package sizer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
	"github.com/nextlevelbuilder/gofer/internal/tokens"
)

// Budgets holds the character and token limits the sizer enforces.
type Budgets struct {
	SoftChars          int // pass-through char limit
	SoftTokens         int // pass-through token limit
	HardChars          int // absolute inline ceiling
	SummaryTargetChars int // size of the generated summary
	ReadToolTokens     int // token budget of the downstream read tool
	TailLines          int // raw tail lines appended to the summary
}

// Result is the shaped output.
type Result struct {
	Text       string // pass-through or summary text
	Truncated  bool
	FullPath   string // full artifact, set when truncated
	ReaderPath string // smaller summary sized for the read tool, set when truncated
}

// Sizer shapes output against its budgets and persists overflow artifacts.
type Sizer struct {
	dir     string
	budgets Budgets
}

// New creates a Sizer writing artifacts under dir. Zero-valued budget
// fields fall back to the defaults.
func New(dir string, b Budgets) *Sizer {
	def := config.Default().Sizer
	if b.SoftChars <= 0 {
		b.SoftChars = def.SoftChars
	}
	if b.SoftTokens <= 0 {
		b.SoftTokens = def.SoftTokens
	}
	if b.HardChars <= 0 {
		b.HardChars = def.HardChars
	}
	if b.SummaryTargetChars <= 0 {
		b.SummaryTargetChars = def.SummaryTargetChars
	}
	if b.ReadToolTokens <= 0 {
		b.ReadToolTokens = def.ReadToolTokens
	}
	if b.TailLines <= 0 {
		b.TailLines = def.TailLines
	}
	return &Sizer{dir: dir, budgets: b}
}

// FromConfig builds a Sizer from the loaded config.
func FromConfig(cfg *config.Config) *Sizer {
	return New(config.ExpandHome(cfg.Agent.OutputDir), Budgets{
		SoftChars:          cfg.Sizer.SoftChars,
		SoftTokens:         cfg.Sizer.SoftTokens,
		HardChars:          cfg.Sizer.HardChars,
		SummaryTargetChars: cfg.Sizer.SummaryTargetChars,
		ReadToolTokens:     cfg.Sizer.ReadToolTokens,
		TailLines:          cfg.Sizer.TailLines,
	})
}

// Shape returns text unchanged when it fits the soft budgets; otherwise it
// persists the full text and returns a summary. On a persist failure the
// original text is returned untruncated along with the error.
func (s *Sizer) Shape(label, text string) (Result, error) {
	if len(text) <= s.budgets.SoftChars && tokens.Estimate(text) <= s.budgets.SoftTokens {
		return Result{Text: text}, nil
	}

	fullPath, err := s.persistFull(label, text)
	if err != nil {
		return Result{Text: text}, fault.Wrapf(fault.Filesystem, "sizer.shape", err, "persist full output")
	}

	summary := s.buildSummary(text, fullPath, s.budgets.SummaryTargetChars)
	if len(summary) > s.budgets.HardChars {
		summary = MidTruncate(summary, s.budgets.HardChars)
	}

	readerPath := readerPathFor(fullPath)
	readerBudget := s.budgets.ReadToolTokens * tokens.CharsPerToken
	reader := s.buildSummary(text, fullPath, readerBudget)
	if err := os.WriteFile(readerPath, []byte(reader), 0o644); err != nil {
		slog.Warn("sizer.reader_summary_failed", "path", readerPath, "error", err)
		readerPath = ""
	}

	slog.Debug("sizer.truncated",
		"label", label,
		"raw_chars", len(text),
		"summary_chars", len(summary),
		"full_path", fullPath)

	return Result{
		Text:       summary,
		Truncated:  true,
		FullPath:   fullPath,
		ReaderPath: readerPath,
	}, nil
}

// Summarize renders the summary form of text without persisting anything,
// headed by a pointer to fullPath and sized to the downstream read tool's
// token budget. Used by callers that manage their own artifacts.
func (s *Sizer) Summarize(text, fullPath string) string {
	return s.buildSummary(text, fullPath, s.budgets.ReadToolTokens*tokens.CharsPerToken)
}

func (s *Sizer) persistFull(label, text string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	if label == "" {
		label = "output"
	}
	name := fmt.Sprintf("%s-%s-%s.txt", sanitizeLabel(label), time.Now().Format("20060102-150405"), uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func readerPathFor(fullPath string) string {
	ext := filepath.Ext(fullPath)
	return strings.TrimSuffix(fullPath, ext) + "-reader" + ext
}

func sanitizeLabel(label string) string {
	label = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, label)
	if len(label) > 40 {
		label = label[:40]
	}
	return label
}

// buildSummary assembles the header notice, extracted sections, and raw
// tail within target chars.
func (s *Sizer) buildSummary(text, fullPath string, target int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[output truncated: %d chars total, full output saved to %s]\n\n", len(text), fullPath)

	remaining := target - b.Len()
	if remaining <= 0 {
		return b.String()
	}

	// Proportional budgets per section, priority order.
	sections := []struct {
		name  string
		share float64
	}{
		{"summary", 0.40},
		{"recommendations", 0.30},
		{"errors", 0.20},
		{"files-changed", 0.10},
	}
	for _, sec := range sections {
		extract := extractSection(text, sec.name)
		if extract == "" {
			continue
		}
		budget := int(float64(remaining) * sec.share)
		if budget < 200 {
			budget = 200
		}
		if len(extract) > budget {
			extract = extract[:budget] + "\n[... section truncated ...]"
		}
		b.WriteString(extract)
		if !strings.HasSuffix(extract, "\n") {
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	// Raw tail so the most recent lines always survive.
	tail := lastLines(text, s.budgets.TailLines)
	tailBudget := target - b.Len() - len("--- last lines ---\n")
	if tailBudget > 0 && tail != "" {
		if len(tail) > tailBudget {
			tail = tail[len(tail)-tailBudget:]
			if i := strings.IndexByte(tail, '\n'); i >= 0 {
				tail = tail[i+1:]
			}
		}
		b.WriteString("--- last lines ---\n")
		b.WriteString(tail)
	}

	out := b.String()
	if len(out) > target {
		out = MidTruncate(out, target)
	}
	return out
}

func lastLines(text string, n int) string {
	if n <= 0 {
		return ""
	}
	text = strings.TrimRight(text, "\n")
	idx := len(text)
	for i := 0; i < n; i++ {
		j := strings.LastIndexByte(text[:idx], '\n')
		if j < 0 {
			return text
		}
		idx = j
	}
	return text[idx+1:]
}
