package access

import (
	"net/url"
	"strings"
)

const maxNextLength = 2048

// SanitizeNext returns raw if it is a same-site path safe to redirect to,
// or "" otherwise. Absolute URLs, scheme-relative and backslash forms are
// rejected.
func SanitizeNext(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxNextLength {
		return ""
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return ""
	}
	if strings.ContainsAny(raw, "\\\r\n\t") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return ""
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return ""
	}
	out := u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// withNext appends next to base as the remembered path.
func withNext(base, next string) string {
	if next == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "next=" + url.QueryEscape(next)
}
