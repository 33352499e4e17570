// Package text splits raw task text into the sentences that are synthesized one by one.
package text

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTaskRunes is the longest task text accepted, counted in characters.
const MaxTaskRunes = 10000

// DefaultDelimiters end a sentence. A line feed always ends one as well.
const DefaultDelimiters = "。！？!?;；"

const (
	carriageReturn = "\r\n"
	lineFeed       = '\n'
)

var (
	// ErrEmptyText indicates that the text contains no sentence.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrTextTooLong indicates that the text exceeds MaxTaskRunes.
	ErrTextTooLong = errors.New("text is too long")
)

// Splitter cuts text at a fixed delimiter set.
type Splitter struct {
	delimiters map[rune]struct{}
}

// NewSplitter builds a splitter for the given delimiter characters.
// An empty set selects DefaultDelimiters.
func NewSplitter(delimiters string) *Splitter {
	if strings.TrimSpace(delimiters) == "" {
		delimiters = DefaultDelimiters
	}

	set := make(map[rune]struct{}, utf8.RuneCountInString(delimiters))
	for _, r := range delimiters {
		set[r] = struct{}{}
	}

	return &Splitter{delimiters: set}
}

// Split returns the trimmed, non-empty sentences of text in order. Each sentence keeps
// its closing delimiter.
func (s *Splitter) Split(text string) []string {
	normalized := strings.ReplaceAll(text, carriageReturn, "\n")

	var (
		result []string
		buffer strings.Builder
	)

	flush := func() {
		sentence := strings.TrimSpace(buffer.String())
		if sentence != "" {
			result = append(result, sentence)
		}

		buffer.Reset()
	}

	for _, r := range normalized {
		buffer.WriteRune(r)

		if _, ok := s.delimiters[r]; ok || r == lineFeed {
			flush()
		}
	}

	flush()

	return result
}

// SplitTask validates task text and splits it.
func (s *Splitter) SplitTask(text string) ([]string, error) {
	if length := utf8.RuneCountInString(text); length > MaxTaskRunes {
		return nil, fmt.Errorf("%w: %d characters, limit %d", ErrTextTooLong, length, MaxTaskRunes)
	}

	sentences := s.Split(text)
	if len(sentences) == 0 {
		return nil, ErrEmptyText
	}

	return sentences, nil
}
