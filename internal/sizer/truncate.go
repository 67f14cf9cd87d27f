package sizer

import "fmt"

// MidTruncate cuts the middle out of s so the result fits max characters,
// keeping an even split of head and tail around an elision marker.
func MidTruncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	note := fmt.Sprintf("\n[... ~%d chars elided ...]\n", len(s)-max)
	return midTruncate(s, max, note)
}

// MidTruncateNote is MidTruncate with a caller-supplied elision marker,
// used when the marker should name where the elided content lives.
func MidTruncateNote(s string, max int, note string) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return midTruncate(s, max, "\n"+note+"\n")
}

func midTruncate(s string, max int, note string) string {
	if max <= len(note)+2 {
		return s[:max]
	}
	keep := max - len(note)
	head := keep / 2
	tail := keep - head
	return s[:head] + note + s[len(s)-tail:]
}
