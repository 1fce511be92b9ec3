package policy

import (
	"strings"
	"time"
)

type Kind string

const (
	KindKeyword Kind = "keyword"
	KindRegex   Kind = "regex"
)

// ParseKind accepts the kind names case-insensitively. "regexp" is an alias
// for regex.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keyword", "":
		return KindKeyword, true
	case "regex", "regexp":
		return KindRegex, true
	}
	return "", false
}

// Rule is a named detection pattern owned by a user.
type Rule struct {
	ID          string    `json:"id" yaml:"id"`
	OwnerID     string    `json:"owner_id" yaml:"owner_id"`
	Name        string    `json:"name" yaml:"name"`
	Pattern     string    `json:"pattern" yaml:"pattern"`
	Kind        Kind      `json:"kind" yaml:"kind"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Match is one located occurrence of a rule's pattern. Offsets are byte
// offsets into the evaluated content; Line and Column are 1-based and Column
// counts characters.
type Match struct {
	RuleID        string   `json:"rule_id"`
	RuleName      string   `json:"rule_name"`
	MatchedText   string   `json:"matched_text"`
	StartOffset   int      `json:"start_offset"`
	EndOffset     int      `json:"end_offset"`
	Line          int      `json:"line"`
	Column        int      `json:"column"`
	ContextBefore []string `json:"context_before"`
	ContextAfter  []string `json:"context_after"`
}

type RuleEvaluationResult struct {
	Rule       Rule    `json:"rule"`
	Matched    bool    `json:"matched"`
	MatchCount int     `json:"match_count"`
	Matches    []Match `json:"matches"`
	Error      string  `json:"error,omitempty"`
}

type RuleError struct {
	RuleID string `json:"rule_id"`
	Error  string `json:"error"`
}

type EvaluationResult struct {
	RulesEvaluated int                    `json:"rules_evaluated"`
	RulesMatched   int                    `json:"rules_matched"`
	TotalMatches   int                    `json:"total_matches"`
	Results        []RuleEvaluationResult `json:"results"`
	Errors         []RuleError            `json:"errors"`
}

// MatchedResults returns only the results that produced at least one match.
func (r EvaluationResult) MatchedResults() []RuleEvaluationResult {
	var out []RuleEvaluationResult
	for _, res := range r.Results {
		if res.Matched {
			out = append(out, res)
		}
	}
	return out
}

type Options struct {
	// MaxMatchesPerRule caps matches per rule; 0 means unlimited.
	MaxMatchesPerRule  int
	ContextLinesBefore int
	ContextLinesAfter  int
	CaseInsensitive    bool
	IncludeDisabled    bool
}

const (
	DefaultMaxMatchesPerRule = 100
	DefaultContextLines      = 2
)

func DefaultOptions() Options {
	return Options{
		MaxMatchesPerRule:  DefaultMaxMatchesPerRule,
		ContextLinesBefore: DefaultContextLines,
		ContextLinesAfter:  DefaultContextLines,
	}
}

const invalidRegexMessage = "Invalid regex pattern"
