// Package fileref expands @path references and context-file globs into
// prompt text, so callers can hand the worker real file contents without
// pasting them.
package fileref

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
	"github.com/nextlevelbuilder/gofer/internal/sizer"
)

const (
	// perFileCap bounds a single embedded file; oversized files are
	// mid-truncated rather than dropped.
	perFileCap = 48_000
	// totalCap bounds everything appended to the prompt.
	totalCap = 200_000

	readConcurrency = 8
)

var refRe = regexp.MustCompile(`(?:^|\s)@([\w~][\w./~-]*)`)

// Expand resolves @path tokens in text plus any explicit glob patterns,
// reads the files concurrently, and returns text with each file appended as
// a fenced block. A missing @-referenced file is a Validation error; globs
// that match nothing are fine.
func Expand(ctx context.Context, text, workdir string, globs []string) (string, error) {
	const op = "fileref.expand"

	paths, err := collect(text, workdir, globs)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return text, nil
	}

	contents := make([]string, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					return fault.Errorf(fault.Validation, op, "referenced file not found: %s", path)
				}
				return fault.Wrapf(fault.Filesystem, op, err, "read %s", path)
			}
			contents[i] = string(data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(text)
	total := 0
	for i, path := range paths {
		body := contents[i]
		if len(body) > perFileCap {
			body = sizer.MidTruncateNote(body, perFileCap,
				fmt.Sprintf("[... file truncated, read %s directly for the rest ...]", path))
		}
		if total+len(body) > totalCap {
			fmt.Fprintf(&b, "\n\n[additional context files omitted: prompt size limit reached at %s]", path)
			break
		}
		rel := path
		if workdir != "" {
			if r, err := filepath.Rel(workdir, path); err == nil && !strings.HasPrefix(r, "..") {
				rel = r
			}
		}
		fmt.Fprintf(&b, "\n\n--- %s ---\n```\n%s\n```", rel, strings.TrimRight(body, "\n"))
		total += len(body)
	}

	slog.Debug("fileref.expanded", "files", len(paths), "chars", total)
	return b.String(), nil
}

// collect gathers referenced paths in first-seen order: @tokens from the
// text first, then glob matches.
func collect(text, workdir string, globs []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, m := range refRe.FindAllStringSubmatch(text, -1) {
		add(resolve(m[1], workdir))
	}

	for _, pattern := range globs {
		matches, err := filepath.Glob(resolve(pattern, workdir))
		if err != nil {
			return nil, fault.Errorf(fault.Validation, "fileref.expand", "bad glob pattern %q: %v", pattern, err)
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
				add(m)
			}
		}
	}
	return paths, nil
}

func resolve(path, workdir string) string {
	path = config.ExpandHome(path)
	if filepath.IsAbs(path) || workdir == "" {
		return path
	}
	return filepath.Join(workdir, path)
}
