// Package safeurl validates URLs before the gateway fetches them on a
// client's behalf.
package safeurl

import "net/url"

// IsHTTPOrHTTPS returns true if u is a valid absolute URL with scheme http or
// https and a non-empty host. Rejects file://, ftp://, and other schemes that
// could lead to SSRF or local file access through the proxy.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	if parsed.Host == "" {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// Origin returns the scheme://host portion of u, or "" if u is not a valid
// http(s) URL. Used when synthesizing Referer and Origin headers.
func Origin(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return ""
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}
