package worker

import (
	"path/filepath"
	"runtime"
	"strings"
)

// Invocation describes one worker CLI launch. Arguments are always passed
// as an argv array; no shell string is ever composed, so prompt content can
// never be interpreted by a shell.
type Invocation struct {
	Command      string
	Model        string
	OutputFormat string // "stream-json" (default) or "json"
	AllowTools   bool   // false adds --extensions none
	Yolo         bool   // agent mode: auto-accept tool calls
	Resume       string // external session id to rejoin
	ExtraArgs    []string
}

func (inv Invocation) args() []string {
	format := inv.OutputFormat
	if format == "" {
		format = "stream-json"
	}
	args := []string{"--model", inv.Model, "--output-format", format}
	if !inv.AllowTools {
		args = append(args, "--extensions", "none")
	}
	if inv.Yolo {
		args = append(args, "--yolo")
	}
	if inv.Resume != "" {
		args = append(args, "--resume", inv.Resume)
	}
	return append(args, inv.ExtraArgs...)
}

// commandLine returns the binary and argv to execute. On Windows,
// interpreter-shaped filenames (.cmd/.bat) cannot be exec'd directly, so
// they run through cmd.exe /c; the arguments remain an array even then.
func (inv Invocation) commandLine() (string, []string) {
	name := inv.Command
	args := inv.args()
	if runtime.GOOS == "windows" && wrapsViaCmd(name) {
		return "cmd.exe", append([]string{"/c", name}, args...)
	}
	return name, args
}

func wrapsViaCmd(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cmd", ".bat":
		return true
	}
	return false
}
