// Package address extracts bare local@domain addresses from the argument
// strings a milter connection receives for the MAIL FROM and RCPT TO
// commands, and folds a domain to its ASCII (IDNA) form for comparison
// against the configured responsible list.
package address

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

// ErrNoAddress is returned when the argument does not contain a
// recognizable address.
var ErrNoAddress = errors.New("address: no address found")

// Extract returns the content of raw's first `<...>` group verbatim, or,
// if raw contains no `<`, the bare `local@domain` address it consists of
// (after trimming surrounding whitespace). Anything else fails with
// ErrNoAddress.
//
// The bracket form performs no further validation of its content: a
// null sender (`<>`) and malformed addresses alike fail only because the
// group is empty or unterminated, matching the MTA's own envelope
// grammar rather than re-validating it.
func Extract(raw string) (string, error) {
	if open := strings.IndexByte(raw, '<'); open >= 0 {
		close := strings.IndexByte(raw[open+1:], '>')
		if close <= 0 {
			return "", ErrNoAddress
		}
		return raw[open+1 : open+1+close], nil
	}

	trimmed := strings.TrimSpace(raw)
	if strings.ContainsAny(trimmed, "<> \t") || !isBareAddress(trimmed) {
		return "", ErrNoAddress
	}
	return trimmed, nil
}

// isBareAddress reports whether s contains exactly one '@' with non-empty
// local and domain parts and no internal whitespace or angle brackets.
func isBareAddress(s string) bool {
	if strings.ContainsAny(s, "<>") {
		return false
	}
	at := strings.IndexByte(s, '@')
	if at <= 0 || at != strings.LastIndexByte(s, '@') {
		return false
	}
	local, domain := s[:at], s[at+1:]
	if local == "" || domain == "" {
		return false
	}
	if strings.ContainsAny(local, " \t") || strings.ContainsAny(domain, " \t") {
		return false
	}
	return true
}

// FoldDomain returns the ASCII (IDNA) form of the domain part of addr, for
// case/unicode-insensitive comparison against the configured responsible
// list. If addr has no domain part, or the domain fails IDNA conversion,
// the original address is returned unchanged.
func FoldDomain(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr
	}
	local, domain := addr[:at], addr[at+1:]
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return addr
	}
	return local + "@" + ascii
}

// EqualFold reports whether a and b name the same responsible address,
// ASCII-case-insensitively and after IDNA-folding both domains.
func EqualFold(a, b string) bool {
	return strings.EqualFold(FoldDomain(a), FoldDomain(b))
}
