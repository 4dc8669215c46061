package logutil

import "strings"

// maxLogField caps user-provided values so a hostile label cannot flood logs.
const maxLogField = 128

// SanitizeForLog strips newlines and control characters from user-provided
// strings (labels, usernames, device names) and truncates them, so a peer
// cannot forge log entries.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLogField))
	n := 0
	for _, r := range s {
		if n >= maxLogField {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}

// Mask hides all but the last four characters of a secret such as a pairing
// token.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
