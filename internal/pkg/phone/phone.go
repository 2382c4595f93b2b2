// Package phone normalises Kenyan mobile numbers to the 2547XXXXXXXX form
// used as OTP keys and by the mobile money gateway.
package phone

import (
	"errors"
	"strings"
)

var ErrInvalid = errors.New("invalid phone number")

// Normalize accepts +2547.., 2547.., 07.. and 7.. (and the 01.. range) forms.
func Normalize(raw string) (string, error) {
	s := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "+")

	switch {
	case strings.HasPrefix(s, "254") && len(s) == 12:
	case strings.HasPrefix(s, "0") && len(s) == 10:
		s = "254" + s[1:]
	case len(s) == 9 && (s[0] == '7' || s[0] == '1'):
		s = "254" + s
	default:
		return "", ErrInvalid
	}

	for _, c := range s {
		if c < '0' || c > '9' {
			return "", ErrInvalid
		}
	}
	if s[3] != '7' && s[3] != '1' {
		return "", ErrInvalid
	}
	return s, nil
}

// Mask hides all but the last three digits, for logs.
func Mask(p string) string {
	if len(p) <= 3 {
		return "***"
	}
	return strings.Repeat("*", len(p)-3) + p[len(p)-3:]
}
