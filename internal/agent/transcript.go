package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// transcript streams the session's full textual output to disk. The file is
// always complete: every byte the child emits lands here regardless of what
// the capped caller-facing buffer keeps.
type transcript struct {
	f       *os.File
	path    string
	body    int64 // bytes written after the header
	started time.Time
	warned  bool
}

func openTranscript(dir, id, task string, started time.Time) (*transcript, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, id+"-full.txt")
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	t := &transcript{f: f, path: path, started: started}
	header := fmt.Sprintf("=== agent session %s ===\nstarted: %s\ntask: %s\n=== output ===\n",
		id, started.Format(time.RFC3339), task)
	if _, err := f.WriteString(header); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// append writes s to the transcript. Write failures are logged once and
// otherwise ignored so a full disk cannot take the run down.
func (t *transcript) append(s string) {
	if s == "" {
		return
	}
	n, err := t.f.WriteString(s)
	t.body += int64(n)
	if err != nil && !t.warned {
		t.warned = true
		slog.Warn("agent.transcript_write_failed", "path", t.path, "error", err)
	}
}

// close writes the footer and closes the file. truncNote, when non-empty,
// records that the child was terminated before it finished.
func (t *transcript) close(status Status, truncNote string) {
	footer := fmt.Sprintf("\n=== session %s ===\nfinished: %s\nbytes: %d\n",
		status, time.Now().Format(time.RFC3339), t.body)
	if truncNote != "" {
		footer += fmt.Sprintf("output truncated: %s\n", truncNote)
	}
	if _, err := t.f.WriteString(footer); err != nil && !t.warned {
		slog.Warn("agent.transcript_write_failed", "path", t.path, "error", err)
	}
	if err := t.f.Close(); err != nil && !t.warned {
		slog.Warn("agent.transcript_close_failed", "path", t.path, "error", err)
	}
}

// cappedBuffer keeps the caller-facing response bounded. Until the cap is
// hit it stores everything; past the cap it freezes the head and keeps a
// sliding window of the incoming tail, with an elision marker naming the
// on-disk transcript that has the elided middle.
type cappedBuffer struct {
	max      int
	fullPath string

	buf      []byte
	head     []byte // frozen prefix, set on first overflow
	tail     []byte // sliding window of the latest output
	overflow bool
}

func newCappedBuffer(max int, fullPath string) *cappedBuffer {
	if max <= 0 {
		max = 16000
	}
	return &cappedBuffer{max: max, fullPath: fullPath}
}

func (b *cappedBuffer) writeString(s string) {
	if s == "" {
		return
	}
	if !b.overflow {
		if len(b.buf)+len(s) <= b.max {
			b.buf = append(b.buf, s...)
			return
		}
		// First overflow: freeze the head, everything after it enters the
		// tail window.
		b.overflow = true
		keep := b.max / 2
		if keep > len(b.buf) {
			keep = len(b.buf)
		}
		b.head = b.buf[:keep]
		b.tail = append([]byte(nil), b.buf[keep:]...)
		b.buf = nil
	}

	b.tail = append(b.tail, s...)
	if max := b.max - len(b.head); len(b.tail) > max {
		b.tail = b.tail[len(b.tail)-max:]
	}
}

func (b *cappedBuffer) String() string {
	if !b.overflow {
		return string(b.buf)
	}
	marker := fmt.Sprintf("\n[... output elided; full transcript: %s ...]\n", b.fullPath)
	return string(b.head) + marker + string(b.tail)
}
