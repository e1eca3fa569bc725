package guardrail

import (
	"regexp"
	"strconv"
	"strings"
)

// detectFunc scans s for every occurrence of its PII kind and returns s
// with each occurrence replaced by token. hit reports whether anything was
// found at all (redacted == s when hit is false).
type detectFunc func(s, token string) (redacted string, hit bool)

// --- SSN ---------------------------------------------------------------

var ssnPattern = regexp.MustCompile(`\b(\d{3})[- ]?(\d{2})[- ]?(\d{4})\b`)

func detectSSN(s, token string) (string, bool) {
	hit := false
	out := ssnPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := ssnPattern.FindStringSubmatch(m)
		area, _ := strconv.Atoi(sub[1])
		group, _ := strconv.Atoi(sub[2])
		serial, _ := strconv.Atoi(sub[3])
		if !validSSN(area, group, serial) {
			return m
		}
		hit = true
		return token
	})
	return out, hit
}

func validSSN(area, group, serial int) bool {
	if area < 1 || area > 899 || area == 666 {
		return false
	}
	if group < 1 || group > 99 {
		return false
	}
	if serial < 1 || serial > 9999 {
		return false
	}
	return true
}

// --- Credit card (Luhn) -------------------------------------------------

var ccCandidate = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)

func detectCreditCard(s, token string) (string, bool) {
	hit := false
	out := ccCandidate.ReplaceAllStringFunc(s, func(m string) string {
		digits := stripSeparators(m)
		if len(digits) < 13 || len(digits) > 19 {
			return m
		}
		if !luhnValid(digits) {
			return m
		}
		hit = true
		return token
	})
	return out, hit
}

func stripSeparators(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func luhnValid(digits string) bool {
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// --- Email ---------------------------------------------------------------

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

func detectEmail(s, token string) (string, bool) {
	hit := emailPattern.MatchString(s)
	if !hit {
		return s, false
	}
	return emailPattern.ReplaceAllString(s, token), true
}

// --- Phone -----------------------------------------------------------------

var phoneCandidate = regexp.MustCompile(`\+?\(?\d{2,4}\)?[-. ]?\d{2,4}[-. ]?\d{2,4}[-. ]?\d{0,4}`)

func detectPhone(s, token string) (string, bool) {
	hit := false
	out := phoneCandidate.ReplaceAllStringFunc(s, func(m string) string {
		digits := stripSeparators(m)
		if len(digits) < 10 || len(digits) > 15 {
			return m
		}
		hit = true
		return token
	})
	return out, hit
}

// --- IPv4 --------------------------------------------------------------

var ipv4Pattern = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})\b`)

func detectIPv4(s, token string) (string, bool) {
	hit := false
	out := ipv4Pattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := ipv4Pattern.FindStringSubmatch(m)
		for _, octet := range sub[1:] {
			n, err := strconv.Atoi(octet)
			if err != nil || n < 0 || n > 255 || (len(octet) > 1 && octet[0] == '0') {
				return m
			}
		}
		hit = true
		return token
	})
	return out, hit
}
