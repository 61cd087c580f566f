package httputil

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP for admin API logging. It prefers the
// first address in X-Forwarded-For, then X-Real-IP, and falls back to
// RemoteAddr. Header values that are not IP addresses are ignored.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := normalizeIP(first); ip != "" {
			return ip
		}
	}

	if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	return RemoteIP(r)
}

// RemoteIP returns the address of the socket peer, ignoring forwarding
// headers. Peer streams use it since any device can set those headers.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// normalizeIP trims brackets and whitespace and returns "" unless the value
// parses as an IP
func normalizeIP(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
	if net.ParseIP(value) == nil {
		return ""
	}
	return value
}
