// Package principal resolves the network address a client connection is
// attributed to for rate limiting.
package principal

import (
	"net"
	"net/http"
	"strings"
)

const Anonymous = "anonymous"

// Address returns the client IP for r. Proxy headers are honored only when
// trustProxyHeaders is set; otherwise RemoteAddr is authoritative.
func Address(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return Anonymous
	}

	if trustProxyHeaders {
		if ip := parseIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// "client, proxy1, proxy2": the left-most hop is the client.
			if ip := parseIP(strings.Split(raw, ",")[0]); ip != "" {
				return ip
			}
		}
	}

	host := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := parseIP(host); ip != "" {
		return ip
	}
	return Anonymous
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
