package domain

import "regexp"

var (
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	frPhonePattern = regexp.MustCompile(`0\d(?:[ .-]?\d{2}){4}`)
)

// MaskPII blanks email addresses and French phone numbers in previews
// exposed on the status endpoint.
func MaskPII(s string) string {
	s = emailPattern.ReplaceAllString(s, "***@***")
	s = frPhonePattern.ReplaceAllString(s, "0X XX XX XX XX")
	return s
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
