// Package text provides the text handling of the generation pipeline: input
// normalization, bounded chunking and language detection.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkSize is the character bound used when none is configured.
const DefaultChunkSize = 2500

// sentenceBoundaryPattern matches a run of terminators followed by whitespace.
const sentenceBoundaryPattern = `[.!?]+\s+`

var sentenceBoundary = regexp.MustCompile(sentenceBoundaryPattern)

// Length returns the length of text in characters.
func Length(text string) int {
	return utf8.RuneCountInString(text)
}

// Split breaks text into ordered chunks of at most maxChunkSize characters.
// Sentences are packed greedily; a sentence longer than the bound is packed
// word by word. Chunks never split a word unless that single word is longer
// than the bound. Joining the chunks with single spaces gives back the input
// with its whitespace collapsed.
func Split(text string, maxChunkSize int) []string {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultChunkSize
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	if Length(trimmed) <= maxChunkSize {
		return []string{trimmed}
	}

	var (
		chunks  []string
		current string
	)

	for _, sentence := range Sentences(trimmed) {
		if Length(sentence) > maxChunkSize {
			if current != "" {
				chunks = append(chunks, current)
				current = ""
			}

			chunks = append(chunks, packWords(sentence, maxChunkSize)...)

			continue
		}

		candidate := joinWithSpace(current, sentence)
		if Length(candidate) <= maxChunkSize {
			current = candidate

			continue
		}

		if current != "" {
			chunks = append(chunks, current)
		}

		current = sentence
	}

	if current != "" {
		chunks = append(chunks, current)
	}

	return chunks
}

// Sentences splits text after every run of sentence terminators followed by
// whitespace. Terminators stay with their sentence and inner whitespace is
// collapsed to single spaces.
func Sentences(text string) []string {
	var (
		sentences []string
		start     int
	)

	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		boundary := text[loc[0]:loc[1]]
		terminatorEnd := loc[0] + len(strings.TrimRightFunc(boundary, unicode.IsSpace))

		sentences = appendNonEmpty(sentences, text[start:terminatorEnd])
		start = loc[1]
	}

	return appendNonEmpty(sentences, text[start:])
}

func packWords(sentence string, maxChunkSize int) []string {
	var (
		chunks  []string
		current string
	)

	for _, word := range strings.Fields(sentence) {
		if Length(word) > maxChunkSize {
			if current != "" {
				chunks = append(chunks, current)
				current = ""
			}

			pieces := hardSplit(word, maxChunkSize)
			chunks = append(chunks, pieces[:len(pieces)-1]...)
			current = pieces[len(pieces)-1]

			continue
		}

		candidate := joinWithSpace(current, word)
		if Length(candidate) <= maxChunkSize {
			current = candidate

			continue
		}

		if current != "" {
			chunks = append(chunks, current)
		}

		current = word
	}

	if current != "" {
		chunks = append(chunks, current)
	}

	return chunks
}

// hardSplit cuts a single oversized word at character boundaries.
func hardSplit(word string, size int) []string {
	runes := []rune(word)
	pieces := make([]string, 0, len(runes)/size+1)

	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		pieces = append(pieces, string(runes[start:end]))
	}

	return pieces
}

func joinWithSpace(current, next string) string {
	if current == "" {
		return next
	}

	return current + " " + next
}

func appendNonEmpty(sentences []string, raw string) []string {
	normalized := CollapseWhitespace(raw)
	if normalized == "" {
		return sentences
	}

	return append(sentences, normalized)
}
