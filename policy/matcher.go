package policy

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// FindMatches returns every match of rule in content, in offset order.
// A regex rule whose pattern does not compile yields no matches; callers
// that need the compile error go through Engine.
func FindMatches(rule Rule, content string, opts Options) []Match {
	if rule.Kind == KindRegex {
		re, err := compilePattern(rule.Pattern, opts.CaseInsensitive)
		if err != nil {
			return nil
		}
		return findRegexMatches(rule, re, content, opts)
	}
	return findKeywordMatches(rule, content, opts)
}

func compilePattern(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	if caseInsensitive {
		return regexp.Compile("(?i)" + pattern)
	}
	return regexp.Compile(pattern)
}

func findKeywordMatches(rule Rule, content string, opts Options) []Match {
	if rule.Pattern == "" || len(content) < len(rule.Pattern) {
		return nil
	}
	haystack, needle := content, rule.Pattern
	if opts.CaseInsensitive {
		if !lowerPreservesOffsets(content) || !lowerPreservesOffsets(needle) {
			re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(rule.Pattern))
			return findRegexMatches(rule, re, content, opts)
		}
		haystack = strings.ToLower(content)
		needle = strings.ToLower(needle)
	}

	loc := newLocator(content, opts)
	var matches []Match
	cursor := 0
	for cursor <= len(haystack)-len(needle) {
		idx := strings.Index(haystack[cursor:], needle)
		if idx < 0 {
			break
		}
		start := cursor + idx
		end := start + len(needle)
		matches = append(matches, loc.match(rule, start, end))
		if opts.MaxMatchesPerRule > 0 && len(matches) >= opts.MaxMatchesPerRule {
			break
		}
		cursor = end
	}
	return matches
}

// findRegexMatches relies on FindAllStringIndex, which steps past
// zero-width matches instead of re-matching at the same position.
func findRegexMatches(rule Rule, re *regexp.Regexp, content string, opts Options) []Match {
	limit := -1
	if opts.MaxMatchesPerRule > 0 {
		limit = opts.MaxMatchesPerRule
	}
	spans := re.FindAllStringIndex(content, limit)
	if len(spans) == 0 {
		return nil
	}
	loc := newLocator(content, opts)
	matches := make([]Match, 0, len(spans))
	for _, span := range spans {
		matches = append(matches, loc.match(rule, span[0], span[1]))
	}
	return matches
}

// lowerPreservesOffsets reports whether strings.ToLower keeps every rune at
// the same byte width, so offsets found in the lowered copy are valid in the
// original.
func lowerPreservesOffsets(s string) bool {
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return false
		}
		if utf8.RuneLen(unicode.ToLower(r)) != size {
			return false
		}
		i += size
	}
	return true
}

// locator maps byte offsets to line/column and context lines. Newline
// offsets are computed once per call; lines are split lazily.
type locator struct {
	content  string
	newlines []int
	lines    []string
	before   int
	after    int
}

func newLocator(content string, opts Options) *locator {
	var newlines []int
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			newlines = append(newlines, i)
		}
	}
	before, after := opts.ContextLinesBefore, opts.ContextLinesAfter
	if before < 0 {
		before = 0
	}
	if after < 0 {
		after = 0
	}
	return &locator{content: content, newlines: newlines, before: before, after: after}
}

func (l *locator) match(rule Rule, start, end int) Match {
	// number of newlines strictly before start
	lineIdx := sort.SearchInts(l.newlines, start)
	lineStart := 0
	if lineIdx > 0 {
		lineStart = l.newlines[lineIdx-1] + 1
	}
	column := utf8.RuneCountInString(l.content[lineStart:start]) + 1

	return Match{
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		MatchedText:   l.content[start:end],
		StartOffset:   start,
		EndOffset:     end,
		Line:          lineIdx + 1,
		Column:        column,
		ContextBefore: l.contextBefore(lineIdx),
		ContextAfter:  l.contextAfter(lineIdx),
	}
}

func (l *locator) splitLines() []string {
	if l.lines == nil {
		l.lines = strings.Split(l.content, "\n")
	}
	return l.lines
}

func (l *locator) contextBefore(lineIdx int) []string {
	if l.before == 0 {
		return []string{}
	}
	lines := l.splitLines()
	from := lineIdx - l.before
	if from < 0 {
		from = 0
	}
	if lineIdx > len(lines) {
		lineIdx = len(lines)
	}
	return append([]string{}, lines[from:lineIdx]...)
}

func (l *locator) contextAfter(lineIdx int) []string {
	if l.after == 0 {
		return []string{}
	}
	lines := l.splitLines()
	from := lineIdx + 1
	if from > len(lines) {
		from = len(lines)
	}
	to := from + l.after
	if to > len(lines) {
		to = len(lines)
	}
	return append([]string{}, lines[from:to]...)
}
