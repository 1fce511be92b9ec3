package policy

import (
	"regexp"
	"strings"

	"leakwatch/apperr"
)

// ValidateRule checks the fields a rule needs before it can be stored. Regex
// patterns are compiled here, and compiled again at evaluation time.
func ValidateRule(rule Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return apperr.Validationf("rule name is required")
	}
	if rule.Pattern == "" {
		return apperr.Validationf("rule %q has an empty pattern", rule.Name)
	}
	switch rule.Kind {
	case KindKeyword:
	case KindRegex:
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, invalidRegexMessage)
		}
	default:
		return apperr.Validationf("rule %q has unsupported kind %q", rule.Name, rule.Kind)
	}
	return nil
}
