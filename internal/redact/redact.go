package redact

import (
	"regexp"
	"strings"
)

// Redactor masks credentials in text bound for logs and terminal output.
type Redactor struct {
	enabled bool
	rules   []redactionRule
}

type redactionRule struct {
	re    *regexp.Regexp
	label string
}

func New(enabled bool, custom []string) *Redactor {
	rules := []redactionRule{
		{re: regexp.MustCompile(`(?i)([?&](?:access_)?token=)[^&#\s]+`), label: "${1}[REDACTED]"},
		{re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), label: "Bearer [REDACTED]"},
		{re: regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), label: "[REDACTED_JWT]"},
		{re: regexp.MustCompile(`(?i)("?(?:password|secret|refresh)"?\s*[:=]\s*)"?[^\s",}]+"?`), label: "${1}[REDACTED]"},
	}
	for _, pattern := range custom {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		rules = append(rules, redactionRule{re: re, label: "[REDACTED_CUSTOM]"})
	}
	return &Redactor{
		enabled: enabled,
		rules:   rules,
	}
}

func (r *Redactor) Apply(input string) string {
	if r == nil || !r.enabled || input == "" {
		return input
	}
	out := input
	for _, rule := range r.rules {
		out = rule.re.ReplaceAllString(out, rule.label)
	}
	return out
}

// Token returns a short printable form of a credential: its first four
// characters followed by an ellipsis.
func Token(token string) string {
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return "(none)"
	case len(token) <= 8:
		return "****"
	default:
		return token[:4] + "..."
	}
}
