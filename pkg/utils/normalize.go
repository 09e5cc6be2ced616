package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

// NormalizeQuestion produces the cache key form of a natural-language
// question: case-folded, trimmed, internal whitespace collapsed to single
// spaces. Every cache and retriever operation goes through this before
// touching the store.
func NormalizeQuestion(question string) string {
	lowered := strings.ToLower(question)
	return strings.Join(strings.Fields(lowered), " ")
}

// HashString is used for embedding cache keys where the raw text would be
// an unwieldy key.
func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}
