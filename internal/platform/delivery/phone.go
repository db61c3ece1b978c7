package delivery

import (
	"regexp"
	"strings"
)

var indianMobilePattern = regexp.MustCompile(`^\+91[6-9]\d{9}$`)

// FormatPhone normalises a phone number to E.164-ish form. Ten-digit local
// numbers get countryCode prepended; numbers that already carry the country
// code only gain the leading plus.
func FormatPhone(phone, countryCode string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	countryCode = strings.TrimPrefix(countryCode, "+")

	switch {
	case digits == "":
		return ""
	case len(digits) == 10 && countryCode != "":
		return "+" + countryCode + digits
	default:
		return "+" + digits
	}
}

// ValidIndianMobile reports whether phone normalises to an Indian mobile number.
func ValidIndianMobile(phone string) bool {
	return indianMobilePattern.MatchString(FormatPhone(phone, "91"))
}
