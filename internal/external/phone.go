package external

import (
	"regexp"
	"strings"
)

var kenyanMobile = regexp.MustCompile(`^\+254[17]\d{8}$`)

// NormalizePhone returns the E.164 form of a Kenyan mobile number. It accepts
// the local form (0712345678), the bare national form (712345678) and the
// international form with or without the plus sign.
func NormalizePhone(raw string) (string, bool) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	switch {
	case strings.HasPrefix(s, "+"):
	case strings.HasPrefix(s, "254"):
		s = "+" + s
	case strings.HasPrefix(s, "0"):
		s = "+254" + s[1:]
	case len(s) == 9:
		s = "+254" + s
	}
	if !kenyanMobile.MatchString(s) {
		return "", false
	}
	return s, true
}
