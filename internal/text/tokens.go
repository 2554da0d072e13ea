package text

import (
	"strings"
	"unicode"

	"github.com/tsawler/prose/v3"
)

// stopwords excluded from term scoring and sentence overlap
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "had": true,
	"has": true, "have": true, "he": true, "her": true, "his": true, "i": true,
	"if": true, "in": true, "into": true, "is": true, "it": true, "its": true,
	"my": true, "no": true, "not": true, "of": true, "on": true, "or": true,
	"our": true, "she": true, "so": true, "that": true, "the": true,
	"their": true, "then": true, "there": true, "these": true, "they": true,
	"this": true, "to": true, "was": true, "we": true, "were": true,
	"when": true, "which": true, "who": true, "will": true, "with": true,
	"you": true, "your": true,
}

// Tokenize lowercases and splits text into content words, dropping stopwords
// and single characters. Falls back to whitespace splitting if the NLP
// tokenizer rejects the input.
func Tokenize(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var raw []string
	doc, err := prose.NewDocument(text,
		prose.WithSegmentation(false),
		prose.WithTagging(false),
		prose.WithExtraction(false))
	if err == nil {
		for _, tok := range doc.Tokens() {
			raw = append(raw, tok.Text)
		}
	} else {
		raw = strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
	}

	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimFunc(t, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}))
		if len(t) < 2 || stopwords[t] {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// Sentences splits text into sentences.
func Sentences(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false))
	if err != nil {
		return []string{strings.TrimSpace(text)}
	}

	var out []string
	for _, s := range doc.Sentences() {
		trimmed := strings.TrimSpace(s.Text)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// termSet returns the unique content words of a text.
func termSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range Tokenize(text) {
		set[t] = true
	}
	return set
}
