package conversation

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Verdict is the fast-path classification of a patient utterance.
type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictPositive
	VerdictProblem
)

func (v Verdict) String() string {
	switch v {
	case VerdictPositive:
		return "positive"
	case VerdictProblem:
		return "problem"
	}
	return "none"
}

// defaultPositive matches wellness affirmations and denials of new symptoms.
var defaultPositive = []string{
	`\b(i'?m|i am|im)\s+(feeling\s+|doing\s+)?(fine|good|great|well|better|okay|ok|alright|all right)\b`,
	`\bi\s+(feel|am feeling)\s+(fine|good|great|well|better|okay|ok)\b`,
	`\b(feeling|doing)\s+(much\s+)?(fine|good|great|better)\b`,
	`\bno\s+(new\s+)?(issues|problems|complaints|symptoms|complications)\b`,
	`\bnothing\s+(new|wrong|else)\b`,
	`\ball good\b`,
}

// defaultProblem matches symptoms, worsening, requests for a doctor, and negated wellness.
var defaultProblem = []string{
	`\bpain(ful)?\b`,
	`\bhurts?\b|\bhurting\b`,
	`\bworse\b|\bworsening\b|\bgetting bad\b|\bstill bad\b|\breally bad\b`,
	`\bfever\b|\btemperature\b`,
	`\bbleed(ing)?\b|\bblood\b`,
	`\bdizz(y|iness)\b|\blight-?headed\b`,
	`\b(speak|talk)\s+(to|with)\s+(a|the|my)\s+doctor\b|\bneed\s+(a|the|my)\s+doctor\b|\bsee\s+(a|the|my)\s+doctor\b`,
	`\bnot\s+(feeling\s+)?(good|well|great|fine|better|okay|ok)\b`,
	`\b(don'?t|do not)\s+feel\s+(good|well|great|fine|better|okay|ok)\b`,
}

// Lexicon holds the compiled fast-path patterns.
type Lexicon struct {
	positive []*regexp.Regexp
	problem  []*regexp.Regexp
}

// DefaultLexicon returns the built-in English lexicon.
func DefaultLexicon() *Lexicon {
	lex, err := NewLexicon(defaultPositive, defaultProblem)
	if err != nil {
		panic(err)
	}
	return lex
}

// NewLexicon compiles positive and problem patterns. Patterns are matched against case-folded text.
func NewLexicon(positive, problem []string) (*Lexicon, error) {
	pos, err := compileAll(positive)
	if err != nil {
		return nil, fmt.Errorf("positive patterns: %w", err)
	}
	prob, err := compileAll(problem)
	if err != nil {
		return nil, fmt.Errorf("problem patterns: %w", err)
	}
	return &Lexicon{positive: pos, problem: prob}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

type lexiconFile struct {
	Positive []string `yaml:"positive"`
	Problem  []string `yaml:"problem"`
}

// LoadLexicon reads a YAML file with `positive` and `problem` pattern lists.
// An empty list keeps the built-in patterns for that category.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	return ParseLexicon(data)
}

// ParseLexicon parses the YAML lexicon format.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var f lexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	if len(f.Positive) == 0 {
		f.Positive = defaultPositive
	}
	if len(f.Problem) == 0 {
		f.Problem = defaultProblem
	}
	return NewLexicon(f.Positive, f.Problem)
}

// Classify checks positive patterns before problem patterns, so an utterance
// matching both resolves to VerdictPositive.
func (l *Lexicon) Classify(text string) Verdict {
	folded := normalize(text)
	if folded == "" {
		return VerdictNone
	}
	if matchAny(l.positive, folded) {
		return VerdictPositive
	}
	if matchAny(l.problem, folded) {
		return VerdictProblem
	}
	return VerdictNone
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// normalize case-folds and straightens typographic apostrophes from ASR output.
func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	return strings.ReplaceAll(text, "’", "'")
}
