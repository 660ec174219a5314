package util

import (
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

// PlaceholderScopeKey stands in for a missing address or identifier so the
// request is still counted.
const PlaceholderScopeKey = "unknown"

const maxIdentifierLength = 254

// NormalizeIdentifier trims and lower-cases an account identifier. Empty
// input yields PlaceholderScopeKey.
func NormalizeIdentifier(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PlaceholderScopeKey
	}
	if len(s) > maxIdentifierLength {
		// cut on a rune boundary so the key stays valid UTF-8
		cut := maxIdentifierLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// NormalizeAddress canonicalises an IP string. Unparseable values are kept
// verbatim (trimmed); empty input yields PlaceholderScopeKey.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return PlaceholderScopeKey
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return s
}

// ClientAddress returns the request's source address. RemoteAddr carries a
// forwarded client address only when the router trusted the immediate peer.
func ClientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return NormalizeAddress(r.RemoteAddr)
	}
	return NormalizeAddress(host)
}
