package policy

import (
	"fmt"
	"regexp"
	"sync"

	"leakwatch/logger"
)

const maxCachedPatterns = 1024

type regexKey struct {
	pattern         string
	caseInsensitive bool
}

// Engine evaluates rule batches against text. It is safe for concurrent use;
// its only state is a cache of compiled patterns and keyword automata.
type Engine struct {
	mu         sync.RWMutex
	regexes    map[regexKey]*regexp.Regexp
	prefilters map[uint64]*keywordPrefilter
}

func NewEngine() *Engine {
	return &Engine{
		regexes:    make(map[regexKey]*regexp.Regexp),
		prefilters: make(map[uint64]*keywordPrefilter),
	}
}

// Evaluate runs every applicable rule against content. A rule that fails to
// compile or panics is reported in Errors and never aborts the batch.
func (e *Engine) Evaluate(content string, rules []Rule, opts Options) EvaluationResult {
	selected := selectRules(rules, opts.IncludeDisabled)
	result := EvaluationResult{
		RulesEvaluated: len(selected),
		Results:        make([]RuleEvaluationResult, 0, len(selected)),
		Errors:         []RuleError{},
	}

	var present map[string]bool
	if terms := prefilterTerms(selected, content, opts); terms != nil {
		present = e.prefilter(terms).present(content)
	}

	for _, rule := range selected {
		var res RuleEvaluationResult
		if present != nil && rule.Kind == KindKeyword && !present[rule.Pattern] {
			res = RuleEvaluationResult{Rule: rule, Matches: []Match{}}
		} else {
			res = e.EvaluatePolicy(content, rule, opts)
		}
		if res.Error != "" {
			result.Errors = append(result.Errors, RuleError{RuleID: rule.ID, Error: res.Error})
		}
		if res.Matched {
			result.RulesMatched++
			result.TotalMatches += res.MatchCount
		}
		result.Results = append(result.Results, res)
	}
	return result
}

// EvaluatePolicy evaluates a single rule regardless of its enabled flag.
func (e *Engine) EvaluatePolicy(content string, rule Rule, opts Options) (res RuleEvaluationResult) {
	res = RuleEvaluationResult{Rule: rule, Matches: []Match{}}
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("Rule %s evaluation failed: %v", rule.ID, r)
			res = RuleEvaluationResult{
				Rule:    rule,
				Matches: []Match{},
				Error:   fmt.Sprintf("Evaluation failed: %v", r),
			}
		}
	}()

	var matches []Match
	switch rule.Kind {
	case KindRegex:
		re, err := e.compile(rule.Pattern, opts.CaseInsensitive)
		if err != nil {
			logger.Debugf("Rule %s has invalid regex %q: %v", rule.ID, rule.Pattern, err)
			res.Error = invalidRegexMessage
			return res
		}
		matches = findRegexMatches(rule, re, content, opts)
	case KindKeyword:
		matches = findKeywordMatches(rule, content, opts)
	default:
		res.Error = fmt.Sprintf("Unsupported rule kind %q", rule.Kind)
		return res
	}

	if len(matches) > 0 {
		res.Matched = true
		res.MatchCount = len(matches)
		res.Matches = matches
	}
	return res
}

// HasAnyMatch reports whether any applicable rule matches content, stopping
// at the first hit.
func (e *Engine) HasAnyMatch(content string, rules []Rule, opts Options) bool {
	opts.MaxMatchesPerRule = 1
	opts.ContextLinesBefore = 0
	opts.ContextLinesAfter = 0
	for _, rule := range selectRules(rules, opts.IncludeDisabled) {
		if e.EvaluatePolicy(content, rule, opts).Matched {
			return true
		}
	}
	return false
}

func selectRules(rules []Rule, includeDisabled bool) []Rule {
	if includeDisabled {
		return rules
	}
	selected := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			selected = append(selected, r)
		}
	}
	return selected
}

// compile validates and compiles pattern. Only successful compilations are
// cached, so a bad pattern is rejected on every evaluation.
func (e *Engine) compile(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	key := regexKey{pattern: pattern, caseInsensitive: caseInsensitive}
	e.mu.RLock()
	re, ok := e.regexes[key]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := compilePattern(pattern, caseInsensitive)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if len(e.regexes) >= maxCachedPatterns {
		e.regexes = make(map[regexKey]*regexp.Regexp)
	}
	e.regexes[key] = re
	e.mu.Unlock()
	return re, nil
}

func (e *Engine) prefilter(terms []string) *keywordPrefilter {
	key := termsFingerprint(terms)
	e.mu.RLock()
	p, ok := e.prefilters[key]
	e.mu.RUnlock()
	if ok && sameTerms(p.terms, terms) {
		return p
	}
	p = newKeywordPrefilter(terms)
	e.mu.Lock()
	if len(e.prefilters) >= maxCachedPatterns {
		e.prefilters = make(map[uint64]*keywordPrefilter)
	}
	e.prefilters[key] = p
	e.mu.Unlock()
	return p
}

func sameTerms(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
