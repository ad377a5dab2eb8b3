package conversation

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClassify(t *testing.T) {
	lex := DefaultLexicon()
	cases := []struct {
		text string
		want Verdict
	}{
		{"I'm feeling fine, no issues", VerdictPositive},
		{"I AM DOING GREAT", VerdictPositive},
		{"no new symptoms at all", VerdictPositive},
		{"it’s all good thanks", VerdictPositive},
		{"it's still very painful", VerdictProblem},
		{"I have a fever since yesterday", VerdictProblem},
		{"there's some bleeding around the stitches", VerdictProblem},
		{"I feel dizzy in the morning", VerdictProblem},
		{"can I talk to a doctor", VerdictProblem},
		{"I'm not feeling well", VerdictProblem},
		{"honestly I don't feel good", VerdictProblem},
		{"yes now is a good time", VerdictNone},
		{"I took the medication twice a day", VerdictNone},
		{"   ", VerdictNone},
	}
	for _, tc := range cases {
		if got := lex.Classify(tc.text); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

// Positive patterns win over problem patterns. This pins existing behavior.
func TestClassifyPositiveTakesPrecedence(t *testing.T) {
	lex := DefaultLexicon()
	if got := lex.Classify("I'm fine but the pain is worse"); got != VerdictPositive {
		t.Fatalf("Classify = %s, want positive", got)
	}
}

func TestLoadLexiconOverridesOneCategory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.yaml")
	data := []byte("positive:\n  - '\\bsplendid\\b'\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	lex, err := LoadLexicon(path)
	if err != nil {
		t.Fatalf("LoadLexicon: %v", err)
	}
	if got := lex.Classify("Feeling SPLENDID"); got != VerdictPositive {
		t.Fatalf("custom positive pattern not applied: %s", got)
	}
	if got := lex.Classify("I'm fine"); got != VerdictNone {
		t.Fatalf("default positive patterns should be replaced, got %s", got)
	}
	if got := lex.Classify("it hurts"); got != VerdictProblem {
		t.Fatalf("default problem patterns should remain, got %s", got)
	}
}

func TestParseLexiconRejectsBadPattern(t *testing.T) {
	if _, err := ParseLexicon([]byte("problem:\n  - '(unclosed'\n")); err == nil {
		t.Fatal("expected compile error")
	}
}
