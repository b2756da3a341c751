package chunking

import (
	"strings"
	"unicode"
)

// SplitSentences is the fallback boundary heuristic used when a model has no
// splitter of its own. A sentence ends after a terminal mark that is followed
// by whitespace or the end of the text.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i, r := range runes {
		if !isTerminal(r) {
			continue
		}
		next := i + 1
		// keep runs like "?!" or "..." together
		if next < len(runes) && isTerminal(runes[next]) {
			continue
		}
		if next < len(runes) && !unicode.IsSpace(runes[next]) && !isWideTerminal(r) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start:next])); s != "" {
			out = append(out, s)
		}
		start = next
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?':
		return true
	}
	return isWideTerminal(r)
}

func isWideTerminal(r rune) bool {
	switch r {
	case '。', '！', '？':
		return true
	}
	return false
}
