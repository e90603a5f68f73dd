package engine

import "strings"

// NormalizeChatID приводит получателя к виду local@domain.
// Идентификаторы с доменом не меняются. У номеров телефонов
// убираются пробелы, дефисы, скобки и ведущий плюс.
func NormalizeChatID(to, defaultDomain string) string {
	to = strings.TrimSpace(to)
	if to == "" || strings.Contains(to, "@") {
		return to
	}
	if phone, ok := phoneDigits(to); ok {
		to = phone
	}
	if defaultDomain == "" {
		return to
	}
	return to + "@" + defaultDomain
}

// SplitChatID разбирает идентификатор на локальную часть и домен.
func SplitChatID(chatID string) (local, domain string) {
	if i := strings.LastIndex(chatID, "@"); i >= 0 {
		return chatID[:i], chatID[i+1:]
	}
	return chatID, ""
}

func phoneDigits(s string) (string, bool) {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}
