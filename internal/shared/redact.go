package shared

import (
	"net/url"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns keep their first submatch (the key) and replace the rest.
var secretPatterns = []*regexp.Regexp{
	// key=value / key: value pairs for token-like keys
	regexp.MustCompile(`(?i)(api[_-]?key|secret|auth[_-]?token|pa[_-]?token|password)(\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{8,}"?`),
	// Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)()[A-Za-z0-9_\-./+=]{8,}`),
	// ?token= on admin WebSocket URLs
	regexp.MustCompile(`(?i)([?&]token=)()[^&\s"]+`),
}

// Telegram bot tokens (<bot id>:<35 char secret>) appear in API URLs inside
// transport errors.
var telegramToken = regexp.MustCompile(`[0-9]{6,12}:[A-Za-z0-9_\-]{35}\b`)

// Phone numbers of parents: a leading + and 9 to 15 digits, optional spaces.
var phoneNumber = regexp.MustCompile(`\+[0-9][0-9 \-]{7,17}[0-9]`)

// Redact replaces secrets and parent phone numbers in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = telegramToken.ReplaceAllString(s, redactedPlaceholder)
	for _, pat := range secretPatterns {
		s = pat.ReplaceAllString(s, "${1}${2}"+redactedPlaceholder)
	}
	return phoneNumber.ReplaceAllStringFunc(s, MaskPhone)
}

// MaskPhone keeps the country prefix and the last two digits.
func MaskPhone(phone string) string {
	digits := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if phone[i] >= '0' && phone[i] <= '9' {
			digits = append(digits, phone[i])
		}
	}
	if len(digits) < 6 {
		return redactedPlaceholder
	}
	return "+" + string(digits[:3]) + strings.Repeat("*", len(digits)-5) + string(digits[len(digits)-2:])
}

// RedactURL drops credentials and token query values from a URL so it can
// be logged. Unparseable input is redacted wholesale.
func RedactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redactedPlaceholder
	}
	if u.User != nil {
		u.User = url.User(redactedPlaceholder)
	}
	q := u.Query()
	changed := false
	for key := range q {
		k := strings.ToLower(key)
		if strings.Contains(k, "token") || strings.Contains(k, "key") || strings.Contains(k, "secret") {
			q.Set(key, redactedPlaceholder)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
