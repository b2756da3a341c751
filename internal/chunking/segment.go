package chunking

import (
	"strings"
	"unicode/utf8"
)

const (
	MinMaxChars     = 100
	MaxMaxChars     = 2000
	FirstChunkChars = 200
)

// SplitFunc returns sentence candidates for text. Models expose their own
// boundary heuristic through this shape.
type SplitFunc func(text string) []string

// Policy bounds chunk sizes. The first chunk has its own limits so audio can
// start before the larger chunks are synthesized.
type Policy struct {
	MaxChars          int
	MaxSentences      int
	FirstMaxChars     int
	FirstMaxSentences int
}

// ClampMaxChars keeps a caller budget inside the supported range.
func ClampMaxChars(n int) int {
	if n < MinMaxChars {
		return MinMaxChars
	}
	if n > MaxMaxChars {
		return MaxMaxChars
	}
	return n
}

// ReadingPolicy is the production policy: one sentence per chunk and a first
// chunk capped at FirstChunkChars.
func ReadingPolicy(maxChars int) Policy {
	maxChars = ClampMaxChars(maxChars)
	return Policy{
		MaxChars:          maxChars,
		MaxSentences:      1,
		FirstMaxChars:     min(maxChars, FirstChunkChars),
		FirstMaxSentences: 1,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxChars <= 0 {
		p.MaxChars = MinMaxChars
	}
	if p.MaxSentences <= 0 {
		p.MaxSentences = 1
	}
	if p.FirstMaxChars <= 0 || p.FirstMaxChars > p.MaxChars {
		p.FirstMaxChars = p.MaxChars
	}
	if p.FirstMaxSentences <= 0 {
		p.FirstMaxSentences = 1
	}
	return p
}

func (p Policy) limits(index int) (chars, sentences int) {
	if index == 0 {
		return p.FirstMaxChars, p.FirstMaxSentences
	}
	return p.MaxChars, p.MaxSentences
}

// Segment splits text with the reading policy for maxChars.
func Segment(text string, maxChars int, split SplitFunc) []string {
	return SegmentWith(text, ReadingPolicy(maxChars), split)
}

// SegmentWith splits text into trimmed, non-empty chunks that respect p.
// Sentences longer than their limit are split on whitespace, and single words
// longer than the limit are split on rune boundaries. Whitespace-only input
// yields nil.
func SegmentWith(text string, p Policy, split SplitFunc) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	p = p.normalized()
	if split == nil {
		split = SplitSentences
	}

	var sentences []string
	for _, s := range split(trimmed) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		sentences = []string{trimmed}
	}

	b := builder{policy: p}
	for _, sentence := range sentences {
		b.addSentence(sentence)
	}
	b.flush()

	if len(b.out) == 0 {
		return []string{trimmed}
	}
	return b.out
}

type builder struct {
	policy  Policy
	out     []string
	cur     []string
	curLen  int
	pending strings.Builder
	pendLen int
}

func (b *builder) addSentence(s string) {
	n := utf8.RuneCountInString(s)
	if len(b.cur) > 0 {
		limit, maxSentences := b.policy.limits(len(b.out))
		if len(b.cur) >= maxSentences || b.curLen+1+n > limit {
			b.flush()
		}
	}
	limit, _ := b.policy.limits(len(b.out))
	if n > limit {
		b.flush()
		b.splitWords(s)
		return
	}
	if len(b.cur) > 0 {
		b.curLen++
	}
	b.cur = append(b.cur, s)
	b.curLen += n
}

func (b *builder) flush() {
	if len(b.cur) == 0 {
		return
	}
	b.out = append(b.out, strings.Join(b.cur, " "))
	b.cur = nil
	b.curLen = 0
}

func (b *builder) splitWords(s string) {
	for _, word := range strings.Fields(s) {
		n := utf8.RuneCountInString(word)
		limit, _ := b.policy.limits(len(b.out))
		if n > limit {
			b.flushPending()
			b.splitRunes(word)
			continue
		}
		if b.pendLen > 0 && b.pendLen+1+n > limit {
			b.flushPending()
		}
		if b.pendLen > 0 {
			b.pending.WriteByte(' ')
			b.pendLen++
		}
		b.pending.WriteString(word)
		b.pendLen += n
	}
	b.flushPending()
}

func (b *builder) flushPending() {
	if b.pendLen == 0 {
		return
	}
	b.out = append(b.out, b.pending.String())
	b.pending.Reset()
	b.pendLen = 0
}

func (b *builder) splitRunes(word string) {
	runes := []rune(word)
	for len(runes) > 0 {
		limit, _ := b.policy.limits(len(b.out))
		end := min(limit, len(runes))
		b.out = append(b.out, string(runes[:end]))
		runes = runes[end:]
	}
}
