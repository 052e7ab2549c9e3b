package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Synthesizer converts text to telephony audio (8 kHz μ-law).
// It returns either the complete audio or an error, never partial audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

var ErrEmptyText = errors.New("synthesis: empty text")

// Error wraps a provider failure.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string { return fmt.Sprintf("synthesis (%s): %v", e.Provider, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Guarded enforces the text budget before delegating.
type Guarded struct {
	next     Synthesizer
	maxChars int
}

func NewGuarded(next Synthesizer, maxChars int) *Guarded {
	if maxChars <= 0 {
		maxChars = 600
	}
	return &Guarded{next: next, maxChars: maxChars}
}

func (g *Guarded) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	return g.next.Synthesize(ctx, Truncate(text, g.maxChars))
}

// Truncate cuts s to at most maxChars bytes on a word boundary.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	n := maxChars
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	cut := s[:n]
	if s[n] != ' ' {
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
	}
	return strings.TrimRight(cut, " ,;:-")
}

// Chunk splits audio into frames of at most size bytes.
func Chunk(audio []byte, size int) [][]byte {
	if len(audio) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]byte{audio}
	}
	out := make([][]byte, 0, (len(audio)+size-1)/size)
	for start := 0; start < len(audio); start += size {
		end := start + size
		if end > len(audio) {
			end = len(audio)
		}
		out = append(out, audio[start:end])
	}
	return out
}
