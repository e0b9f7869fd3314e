package rules

import (
	"encoding/json"
	"net/mail"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	"phone":       regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\b\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
	"ip_address":  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

// piiOrder fixes detector order so spans come out deterministically.
var piiOrder = []string{"email", "ssn", "credit_card", "phone", "ip_address"}

// detectPII runs the local detectors for types (all when empty).
func detectPII(text string, types []string) []Span {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var spans []Span
	for _, name := range piiOrder {
		if len(want) > 0 && !want[name] {
			continue
		}
		for _, loc := range piiPatterns[name].FindAllStringIndex(text, -1) {
			found := text[loc[0]:loc[1]]
			switch name {
			case "credit_card":
				if !luhnValid(found) {
					continue
				}
			case "ip_address":
				if _, err := netip.ParseAddr(found); err != nil {
					continue
				}
			case "phone":
				if overlaps(spans, loc[0], loc[1]) {
					continue
				}
			}
			spans = append(spans, Span{Start: loc[0], End: loc[1], Label: name})
		}
	}
	return spans
}

func overlaps(spans []Span, start, end int) bool {
	for _, s := range spans {
		if start < s.End && s.Start < end {
			return true
		}
	}
	return false
}

func luhnValid(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}

// EstimateTokens approximates the model token count as one token per four
// characters, rounded up.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// formatViolation reports whether text fails the format or length check.
func formatViolation(text, format string, maxLength int) bool {
	if maxLength > 0 && utf8.RuneCountInString(text) > maxLength {
		return true
	}
	if format == "" {
		return false
	}
	v := strings.TrimSpace(text)
	switch format {
	case "json":
		return !json.Valid([]byte(v))
	case "email":
		addr, err := mail.ParseAddress(v)
		return err != nil || addr.Address != v
	case "url":
		u, err := url.ParseRequestURI(v)
		return err != nil || u.Scheme == "" || u.Host == ""
	case "uuid":
		_, err := uuid.Parse(v)
		return err != nil
	}
	return false
}
