// Package chunker splits article text into bounded, sentence-aligned chunks
// suitable for independent speech synthesis.
package chunker

import (
	"regexp"
	"strings"
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Regex patterns for text normalization.
const whitespaceRegexPattern = `\s+`

var (
	whitespacePattern = regexp.MustCompile(whitespaceRegexPattern)

	punctuationReplacer = strings.NewReplacer(
		emDash, "-",
		enDash, "-",
		figureDash, "-",
		ellipsisChar, ellipsis,
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
)

// Normalize flattens smart punctuation and collapses all whitespace runs to a
// single space so sentence boundaries are unambiguous for Split.
func Normalize(text string) string {
	normalized := punctuationReplacer.Replace(text)
	normalized = whitespacePattern.ReplaceAllString(normalized, " ")

	return strings.TrimSpace(normalized)
}

// Split divides text into an ordered sequence of chunks no longer than maxLen
// characters, breaking only at sentence boundaries. Sentences are delimited by
// terminal punctuation ('.', '!', '?'); a trailing run without terminal
// punctuation counts as one sentence. A single sentence longer than maxLen is
// emitted as its own oversized chunk rather than being split mid-sentence.
//
// Split is deterministic: the same text and maxLen always yield the same
// sequence. This matters because stored chunk metadata must match what a
// later invocation would re-derive.
func Split(text string, maxLen int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	if len(trimmed) <= maxLen {
		return []string{trimmed}
	}

	sentences := splitSentences(trimmed)

	var chunks []string

	current := ""

	for _, sentence := range sentences {
		if current == "" {
			current = sentence

			continue
		}

		if len(current)+1+len(sentence) <= maxLen {
			current = current + " " + sentence

			continue
		}

		chunks = append(chunks, current)
		current = sentence
	}

	if current != "" {
		chunks = append(chunks, current)
	}

	return chunks
}

// splitSentences cuts text after each run of terminal punctuation. Each
// returned sentence is trimmed of surrounding whitespace and non-empty.
func splitSentences(text string) []string {
	var sentences []string

	runes := []rune(text)

	start := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}

		// Absorb a run of terminal punctuation ("?!", "...") into one boundary.
		for i+1 < len(runes) && isTerminal(runes[i+1]) {
			i++
		}

		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}

		start = i + 1
	}

	if start < len(runes) {
		trailing := strings.TrimSpace(string(runes[start:]))
		if trailing != "" {
			sentences = append(sentences, trailing)
		}
	}

	return sentences
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
