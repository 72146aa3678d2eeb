package resolver

import (
	"strings"

	"wuzapi-relay/internal/apperr"
)

const (
	MinPhoneDigits       = 8
	minSenderPhoneDigits = 10
	maxSenderPhoneDigits = 15
)

// jidUser strips the server and device parts of a WhatsApp JID
// ("5511999998888:12@s.whatsapp.net" -> "5511999998888"). Plain numbers pass
// through unchanged.
func jidUser(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
		if j := strings.IndexByte(raw, ':'); j >= 0 {
			raw = raw[:j]
		}
	}
	return raw
}

// NormalizePhone keeps only the digits of raw. Fewer than MinPhoneDigits
// digits is a validation error.
func NormalizePhone(raw string) (string, error) {
	user := jidUser(raw)
	var b strings.Builder
	b.Grow(len(user))
	for _, r := range user {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	phone := b.String()
	if len(phone) < MinPhoneDigits {
		return "", apperr.Validation("resolver.NormalizePhone", "phone %q has fewer than %d digits", raw, MinPhoneDigits)
	}
	return phone, nil
}

// IsIncomingSender reports whether sender looks like a customer phone number:
// 10 to 15 digits, optionally prefixed by '+'. Agent and system identifiers,
// including the sentinels "me" and "system", are outgoing.
func IsIncomingSender(sender string) bool {
	user := jidUser(sender)
	if user == "me" || user == "system" {
		return false
	}
	user = strings.TrimPrefix(user, "+")
	if len(user) < minSenderPhoneDigits || len(user) > maxSenderPhoneDigits {
		return false
	}
	for _, r := range user {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IsGroupJID reports whether raw addresses a group chat.
func IsGroupJID(raw string) bool {
	return strings.HasSuffix(strings.TrimSpace(raw), "@g.us")
}
