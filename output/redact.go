package output

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"leakwatch/hasher"
	"leakwatch/policy"
)

// Redaction controls how matched text is written.
type Redaction string

const (
	RedactNone Redaction = "none"
	RedactMask Redaction = "mask"
	RedactHash Redaction = "hash"
)

func (r Redaction) Valid() bool {
	switch r {
	case RedactNone, RedactMask, RedactHash:
		return true
	}
	return false
}

func ParseRedaction(s string) (Redaction, error) {
	r := Redaction(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return RedactNone, nil
	}
	if !r.Valid() {
		return "", fmt.Errorf("unsupported redaction mode %q (want none, mask or hash)", s)
	}
	return r, nil
}

const maskKeepRunes = 2

// redactMatches returns a copy of matches with MatchedText rewritten.
// Offsets and context are kept.
func redactMatches(matches []policy.Match, mode Redaction) []policy.Match {
	if mode == RedactNone || mode == "" || len(matches) == 0 {
		return matches
	}
	out := make([]policy.Match, len(matches))
	for i, m := range matches {
		m.MatchedText = redactValue(m.MatchedText, mode)
		out[i] = m
	}
	return out
}

func redactValue(value string, mode Redaction) string {
	switch mode {
	case RedactMask:
		return maskValue(value)
	case RedactHash:
		return "blake3:" + hasher.ValueHash(value)
	}
	return value
}

// maskValue keeps the first two characters of longer values and masks the
// rest; short values are masked entirely.
func maskValue(value string) string {
	n := utf8.RuneCountInString(value)
	if n <= 2*maskKeepRunes {
		return strings.Repeat("*", n)
	}
	runes := []rune(value)
	return string(runes[:maskKeepRunes]) + strings.Repeat("*", n-maskKeepRunes)
}
