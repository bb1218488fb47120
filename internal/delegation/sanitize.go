package delegation

import (
	"math"
	"regexp"
	"strings"
)

// PII sanitisation for text that crosses an agent boundary. Matches are
// replaced with fixed placeholders, so running the sanitiser over its own
// output changes nothing.

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	// Phone numbers: international form with a +country-code prefix and
	// separated digit groups, or the NANP 3-3-4 shape with common separators.
	phoneRe = regexp.MustCompile(`\+\d{1,3}(?:[-. ]?\(?\d{1,4}\)?){2,5}|(\+?1[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)

	ssnRe = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

	// Card-number shaped digit runs; confirmed by Luhn before redaction.
	cardRe = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)

	// Well-known API key shapes: Stripe, GitHub, Slack, AWS access keys.
	apiKeyRe = regexp.MustCompile(`\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{16,}|\bgh[pousr]_[A-Za-z0-9]{36,}|\bxox[baprs]-[A-Za-z0-9-]{10,}|\bAKIA[0-9A-Z]{16}\b`)

	// Long unbroken token that could be a secret; redacted only when its
	// character distribution is high-entropy.
	entropyRe = regexp.MustCompile(`[A-Za-z0-9+/=_-]{32,}`)
)

const (
	tokenEmail  = "<EMAIL>"
	tokenPhone  = "<PHONE>"
	tokenSSN    = "<SSN>"
	tokenCard   = "<CC>"
	tokenAPIKey = "<KEY>"
	tokenSecret = "<SECRET>"
)

// entropyThreshold is the minimum Shannon entropy, in bits per character,
// for a long token to be treated as a secret. Random base64 sits near 5;
// prose and identifiers sit well under 4.
const entropyThreshold = 4.0

// Sanitize redacts PII and secret-shaped content. Idempotent: placeholders
// never match any pattern.
func Sanitize(text string) string {
	text = apiKeyRe.ReplaceAllString(text, tokenAPIKey)
	text = emailRe.ReplaceAllString(text, tokenEmail)
	text = ssnRe.ReplaceAllString(text, tokenSSN)

	text = cardRe.ReplaceAllStringFunc(text, func(m string) string {
		if luhnValid(digitsOf(m)) {
			return tokenCard
		}
		return m
	})

	text = phoneRe.ReplaceAllString(text, tokenPhone)

	text = entropyRe.ReplaceAllStringFunc(text, func(m string) string {
		if shannonEntropy(m) >= entropyThreshold {
			return tokenSecret
		}
		return m
	})
	return text
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// luhnValid reports whether a digit string passes the Luhn checksum.
func luhnValid(digits string) bool {
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// shannonEntropy returns the per-character entropy of s in bits.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	n := float64(len([]rune(s)))
	h := 0.0
	for _, c := range freq {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
