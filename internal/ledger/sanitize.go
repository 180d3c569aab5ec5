package ledger

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxMessageLen = 1000
	maxTraceLen   = 4000
	maxDepth      = 5
)

// piiKeys are matched against context keys lowercased with '_' and '-' removed.
var piiKeys = []string{
	"email", "phone", "mobile", "address", "postal", "zipcode",
	"password", "token", "secret", "apikey", "card", "iban",
	"customername", "firstname", "lastname", "fullname",
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	datePattern  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
)

// SanitizeContext returns a copy of ctx without PII-named keys. Nested maps
// are cleaned recursively and string values have contact data redacted.
func SanitizeContext(ctx map[string]any) map[string]any {
	return sanitizeMap(ctx, 0)
}

func sanitizeMap(in map[string]any, depth int) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if isPIIKey(k) {
			continue
		}
		out[k] = sanitizeValue(v, depth)
	}
	return out
}

func sanitizeValue(v any, depth int) any {
	switch val := v.(type) {
	case map[string]any:
		if depth >= maxDepth {
			return "[truncated]"
		}
		return sanitizeMap(val, depth+1)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, depth)
		}
		return out
	case string:
		return RedactText(val)
	case error:
		return RedactText(val.Error())
	default:
		return v
	}
}

func isPIIKey(key string) bool {
	norm := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
	for _, frag := range piiKeys {
		if strings.Contains(norm, frag) {
			return true
		}
	}
	return false
}

// RedactText replaces email addresses and phone numbers in s.
func RedactText(s string) string {
	s = emailPattern.ReplaceAllString(s, "[email]")
	return phonePattern.ReplaceAllStringFunc(s, func(m string) string {
		if datePattern.MatchString(m) {
			return m
		}
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 10 || digits > 15 {
			return m
		}
		return "[phone]"
	})
}

// Truncate caps s at max runes.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}

// errorTrace renders the wrap chain of err, one cause per line.
func errorTrace(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	walk(&b, err, 0)
	return strings.TrimRight(b.String(), "\n")
}

func walk(b *strings.Builder, err error, depth int) {
	if err == nil || depth > 16 {
		return
	}
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(err.Error())
	b.WriteByte('\n')

	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			walk(b, e, depth+1)
		}
	default:
		walk(b, errors.Unwrap(err), depth+1)
	}
}
