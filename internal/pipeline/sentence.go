package pipeline

import "strings"

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// splitSentences breaks text at sentence boundaries so the first sentence can be
// synthesized and sent while later ones are still being rendered.
// A boundary is a sentence ender (.!?) followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := range len(text) - 1 {
		if !sentenceEnders[text[i]] || !isWordBoundary(text[i+1]) {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}
