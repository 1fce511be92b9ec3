package policy

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cloudflare/ahocorasick"
)

const (
	autoAhoMinTerms        = 8
	autoAhoMinContentBytes = 4 * 1024
)

// keywordPrefilter finds, in a single pass, which keyword patterns occur at
// all. Rules whose pattern is absent cannot match and are skipped. Only
// case-sensitive evaluation uses it.
type keywordPrefilter struct {
	terms   []string
	matcher *ahocorasick.Matcher
}

func newKeywordPrefilter(terms []string) *keywordPrefilter {
	return &keywordPrefilter{terms: terms, matcher: ahocorasick.NewStringMatcher(terms)}
}

func (p *keywordPrefilter) present(content string) map[string]bool {
	hits := p.matcher.MatchThreadSafe([]byte(content))
	present := make(map[string]bool, len(hits))
	for _, idx := range hits {
		if idx < 0 || idx >= len(p.terms) {
			continue
		}
		present[p.terms[idx]] = true
	}
	return present
}

// prefilterTerms returns the distinct keyword patterns of rules, or nil when
// the batch is too small or the content too short for the automaton to pay
// off.
func prefilterTerms(rules []Rule, content string, opts Options) []string {
	if opts.CaseInsensitive || len(content) < autoAhoMinContentBytes {
		return nil
	}
	seen := make(map[string]struct{}, len(rules))
	terms := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.Kind != KindKeyword || r.Pattern == "" {
			continue
		}
		if _, ok := seen[r.Pattern]; ok {
			continue
		}
		seen[r.Pattern] = struct{}{}
		terms = append(terms, r.Pattern)
	}
	if len(terms) < autoAhoMinTerms {
		return nil
	}
	return terms
}

func termsFingerprint(terms []string) uint64 {
	return xxhash.Sum64String(strings.Join(terms, "\x00"))
}
