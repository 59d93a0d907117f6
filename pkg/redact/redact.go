// Package redact masks personally identifying values before they reach
// logs or operational output. Ledger rows never store PII; these helpers
// cover the identity-derived values that pass through request handling.
package redact

import "strings"

const mask = "***"

// Email masks the local part of an address, keeping its first rune and
// the full domain. Values without an "@" are fully masked.
func Email(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return ""
	}
	atIndex := strings.LastIndex(trimmed, "@")
	if atIndex <= 0 {
		return mask
	}
	local := []rune(trimmed[:atIndex])
	domain := trimmed[atIndex:]
	return string(local[0]) + mask + domain
}

// Name keeps the first rune of each word and masks the rest.
func Name(displayName string) string {
	trimmed := strings.TrimSpace(displayName)
	if trimmed == "" {
		return ""
	}
	words := strings.Fields(trimmed)
	masked := make([]string, 0, len(words))
	for _, word := range words {
		runes := []rune(word)
		masked = append(masked, string(runes[0])+mask)
	}
	return strings.Join(masked, " ")
}

// Identifier keeps a short prefix of an opaque id (account id, customer
// id, session id) and masks the remainder. Short values are fully masked.
func Identifier(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	const visiblePrefix = 4
	runes := []rune(trimmed)
	if len(runes) <= visiblePrefix {
		return mask
	}
	return string(runes[:visiblePrefix]) + mask
}
