package retriever

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

// Tokenize breaks a normalized question into a lowercase token set.
// Tokenization quality only affects lexical scores, so any failure falls
// back to whitespace splitting rather than surfacing an error.
func Tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})

	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err == nil {
		for _, tok := range doc.Tokens() {
			if word := cleanToken(tok.Text); word != "" {
				tokens[word] = struct{}{}
			}
		}
		if len(tokens) > 0 {
			return tokens
		}
	}

	for _, field := range strings.Fields(text) {
		if word := cleanToken(field); word != "" {
			tokens[word] = struct{}{}
		}
	}
	return tokens
}

func cleanToken(s string) string {
	s = strings.TrimFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return s
}
