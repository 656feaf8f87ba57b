// Package textsplit breaks text into chunks that fit a model's token limit.
package textsplit

import (
	"log/slog"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// LengthFunc measures text in the unit the chunk size is given in.
type LengthFunc func(text string) int

const (
	charsPerToken = 4
	tokensPerWord = 0.75
)

var reWord = regexp.MustCompile(`[^\pL\pN_\s]|[\pL\pN_]+`)

// NaiveLength estimates the number of tokens in text without a tokenizer:
// one token per four characters or three quarters of a token per word,
// whichever is larger. Punctuation marks count as words.
func NaiveLength(text string) int {
	chars := utf8.RuneCountInString(text)
	words := len(reWord.FindAllStringIndex(text, -1))
	byChars := int(math.Ceil(float64(chars) / charsPerToken))
	byWords := int(math.Ceil(float64(words) * tokensPerWord))
	return max(byChars, byWords)
}

// RuneLength counts characters.
func RuneLength(text string) int { return utf8.RuneCountInString(text) }

// Splitter splits text into chunks.
type Splitter interface {
	Split(text string) []string
}

// Dummy returns the text as a single chunk.
type Dummy struct{}

func (Dummy) Split(text string) []string { return []string{text} }

// Separators are tried in order: paragraphs, lines, sentences, words and
// finally single characters.
var Separators = []string{"\n\n", "\n", ". ", " ", ""}

// Length splits recursively on Separators until every piece is shorter than
// ChunkSize, then merges neighbouring pieces back up to ChunkSize. Chunks are
// trimmed and always substrings of the input.
type Length struct {
	ChunkSize int
	// Overlap is how much of the previous chunk may be repeated at the start
	// of the next one.
	Overlap int
	// LengthFunc defaults to NaiveLength.
	LengthFunc LengthFunc
}

// NewLength returns a token-based splitter for chunkSize tokens.
func NewLength(chunkSize int) *Length {
	return &Length{ChunkSize: chunkSize, LengthFunc: NaiveLength}
}

func (s *Length) length(text string) int {
	if s.LengthFunc == nil {
		return NaiveLength(text)
	}
	return s.LengthFunc(text)
}

// Split returns the chunks of text. Blank text yields no chunks.
func (s *Length) Split(text string) []string {
	if s.ChunkSize <= 0 {
		return Dummy{}.Split(text)
	}
	return s.split(text, Separators)
}

func (s *Length) split(text string, separators []string) []string {
	sep := separators[len(separators)-1]
	var next []string
	for i, candidate := range separators {
		if candidate == "" {
			sep = ""
			break
		}
		if strings.Contains(text, candidate) {
			sep = candidate
			next = separators[i+1:]
			break
		}
	}

	var pieces []string
	for _, p := range strings.Split(text, sep) {
		if p != "" {
			pieces = append(pieces, p)
		}
	}

	var chunks, fitting []string
	for _, p := range pieces {
		if s.length(p) < s.ChunkSize {
			fitting = append(fitting, p)
			continue
		}
		if len(fitting) > 0 {
			chunks = append(chunks, s.merge(fitting, sep)...)
			fitting = nil
		}
		if len(next) == 0 {
			chunks = append(chunks, p)
		} else {
			chunks = append(chunks, s.split(p, next)...)
		}
	}
	if len(fitting) > 0 {
		chunks = append(chunks, s.merge(fitting, sep)...)
	}
	return chunks
}

func (s *Length) merge(pieces []string, sep string) []string {
	sepLen := s.length(sep)
	joined := func(n int) int {
		if n > 0 {
			return sepLen
		}
		return 0
	}

	var chunks, current []string
	total := 0
	for _, p := range pieces {
		n := s.length(p)
		if total+n+joined(len(current)) > s.ChunkSize {
			if total > s.ChunkSize {
				slog.Warn("chunk longer than chunk size", "size", total, "chunk_size", s.ChunkSize)
			}
			if len(current) > 0 {
				if chunk := join(current, sep); chunk != "" {
					chunks = append(chunks, chunk)
				}
				for total > s.Overlap || (total > 0 && total+n+joined(len(current)) > s.ChunkSize) {
					total -= s.length(current[0]) + joined(len(current)-1)
					current = current[1:]
				}
			}
		}
		current = append(current, p)
		total += n + joined(len(current)-1)
	}
	if chunk := join(current, sep); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func join(pieces []string, sep string) string {
	return strings.TrimSpace(strings.Join(pieces, sep))
}

// First returns the first chunk of text cut to chunkSize characters, or ""
// for blank text.
func First(text string, chunkSize int) string {
	s := &Length{ChunkSize: chunkSize, LengthFunc: RuneLength}
	chunks := s.Split(text)
	if len(chunks) == 0 {
		return ""
	}
	return chunks[0]
}
