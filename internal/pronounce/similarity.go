package pronounce

import (
	"strings"
	"unicode"
)

// normalizeText lowercases and strips punctuation so scoring compares what
// was said, not how it was written down.
func normalizeText(text string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// similarity scores two strings 0-100 via edit distance over runes,
// normalized by the longer length.
func similarity(a, b string) float64 {
	a = normalizeText(a)
	b = normalizeText(b)
	if a == b {
		return 100
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 100
	}
	dist := editDistance(ra, rb)
	return 100 * (1 - float64(dist)/float64(longest))
}

func editDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// mismatchedWords returns the expected words the transcript missed or
// altered, position by position.
func mismatchedWords(expected, transcript string) []string {
	want := strings.Fields(normalizeText(expected))
	got := strings.Fields(normalizeText(transcript))
	var missed []string
	for i, w := range want {
		if i >= len(got) || got[i] != w {
			missed = append(missed, w)
		}
	}
	return missed
}
