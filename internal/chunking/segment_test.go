package chunking

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

const scenarioText = "Hello world. This is a test of the reading pipeline, which should split into more than one chunk because it exceeds the first-chunk limit of two hundred characters once extended with enough padding words to push past that boundary reliably."

func TestSegmentScenario(t *testing.T) {
	chunks := Segment(scenarioText, 200, nil)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if chunks[0] != "Hello world." {
		t.Fatalf("expected first sentence as first chunk, got %q", chunks[0])
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 200 {
			t.Fatalf("chunk %d has %d chars", i, n)
		}
	}
}

func TestSegmentProperties(t *testing.T) {
	long := strings.Repeat("lorem ipsum dolor sit amet ", 60)
	inputs := []string{
		"Hi.",
		"  padded text without punctuation  ",
		scenarioText,
		long,
		strings.Repeat("x", 950) + " tail.",
		"一二三。四五六！七八九？",
		"Wait... what?! Really.",
	}
	for _, maxChars := range []int{100, 150, 200, 500, 2000} {
		p := ReadingPolicy(maxChars)
		for _, in := range inputs {
			chunks := Segment(in, maxChars, nil)
			if len(chunks) == 0 {
				t.Fatalf("no chunks for %q", in)
			}
			for i, c := range chunks {
				if c == "" || c != strings.TrimSpace(c) {
					t.Fatalf("chunk %d not trimmed/non-empty: %q", i, c)
				}
				limit, _ := p.limits(i)
				if n := utf8.RuneCountInString(c); n > limit {
					t.Fatalf("maxChars=%d chunk %d has %d chars (limit %d)", maxChars, i, n, limit)
				}
			}
			again := Segment(in, maxChars, nil)
			if !reflect.DeepEqual(chunks, again) {
				t.Fatalf("segmenting twice differed for %q", in)
			}
		}
	}
}

func TestSegmentFirstChunkTighterThanRest(t *testing.T) {
	words := strings.Repeat("word ", 200)
	chunks := Segment(words, 500, nil)
	if n := utf8.RuneCountInString(chunks[0]); n > FirstChunkChars {
		t.Fatalf("first chunk %d chars exceeds %d", n, FirstChunkChars)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks")
	}
	if n := utf8.RuneCountInString(chunks[1]); n <= FirstChunkChars {
		t.Fatalf("expected later chunk to use the larger budget, got %d chars", n)
	}
}

func TestSegmentLongTokenSplitsOnRunes(t *testing.T) {
	token := strings.Repeat("é", 450)
	chunks := Segment(token, 100, nil)
	if len(chunks) != 5 {
		t.Fatalf("expected 5 rune pieces, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != token {
		t.Fatalf("rune pieces do not reassemble the token")
	}
}

func TestSegmentFallsBackToTrimmedText(t *testing.T) {
	chunks := Segment("  just words  ", 200, func(string) []string { return []string{" ", ""} })
	if !reflect.DeepEqual(chunks, []string{"just words"}) {
		t.Fatalf("unexpected fallback %q", chunks)
	}
	if got := Segment(" \n\t ", 200, nil); got != nil {
		t.Fatalf("expected nil for blank input, got %q", got)
	}
}

func TestSegmentGroupsSentences(t *testing.T) {
	p := Policy{MaxChars: 100, MaxSentences: 3, FirstMaxChars: 100, FirstMaxSentences: 1}
	chunks := SegmentWith("One. Two. Three. Four. Five.", p, nil)
	want := []string{"One.", "Two. Three. Four.", "Five."}
	if !reflect.DeepEqual(chunks, want) {
		t.Fatalf("got %q want %q", chunks, want)
	}
}

func TestClampMaxChars(t *testing.T) {
	tests := map[int]int{0: 100, 99: 100, 100: 100, 640: 640, 2000: 2000, 5000: 2000}
	for in, want := range tests {
		if got := ClampMaxChars(in); got != want {
			t.Fatalf("ClampMaxChars(%d)=%d want %d", in, got, want)
		}
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello world. Second one!", []string{"Hello world.", "Second one!"}},
		{"Version 1.5 is out. Yes", []string{"Version 1.5 is out.", "Yes"}},
		{"Wait... what?! Ok", []string{"Wait...", "what?!", "Ok"}},
		{"一二三。四五六", []string{"一二三。", "四五六"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := SplitSentences(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("SplitSentences(%q)=%q want %q", tt.in, got, tt.want)
		}
	}
}
