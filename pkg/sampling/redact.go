package sampling

import "regexp"

// Redaction placeholders substituted into prompts before they leave the
// process boundary.
const (
	RedactedEmail = "[REDACTED_EMAIL]"
	RedactedPhone = "[REDACTED_PHONE]"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	// Phone-number-shaped digit groups: optional country code, separators,
	// at least 7 digits overall.
	phonePattern = regexp.MustCompile(`\+?\d[\d\-\s().]{5,}\d`)
)

// Redact rewrites email addresses and phone-number-shaped digit groups in a
// prompt string. Applied to every prompt handed to a sampling function.
func Redact(s string) string {
	s = emailPattern.ReplaceAllString(s, RedactedEmail)
	return phonePattern.ReplaceAllStringFunc(s, func(match string) string {
		digits := 0
		for _, r := range match {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 7 {
			return match
		}
		return RedactedPhone
	})
}
