package proxy

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// uriAttrRe matches the URI="..." attribute on HLS tag lines
// (#EXT-X-KEY, #EXT-X-MEDIA, #EXT-X-I-FRAME-STREAM-INF, ...).
var uriAttrRe = regexp.MustCompile(`URI="([^"]+)"`)

// EncodeSegmentURL wraps an absolute origin URL in a URL-safe base64 token.
func EncodeSegmentURL(absURL string) string {
	return base64.URLEncoding.EncodeToString([]byte(absURL))
}

// DecodeSegmentToken reverses EncodeSegmentURL. Unpadded tokens are accepted.
func DecodeSegmentToken(token string) (string, error) {
	if b, err := base64.URLEncoding.DecodeString(token); err == nil {
		return string(b), nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("bad segment token: %w", err)
	}
	return string(b), nil
}

// segmentRoute builds the proxy URL a rewritten manifest points players at.
func segmentRoute(baseURL, streamID, absURL string) string {
	return fmt.Sprintf("%s/api/streams/%s/segment/%s", baseURL, streamID, EncodeSegmentURL(absURL))
}

// RewriteManifest rewrites an HLS manifest fetched from originURL so every
// resource URI goes through the proxy. Line order is preserved exactly:
// blank lines stay, comment lines are copied verbatim apart from URI="..."
// substitution, and every other line is treated as a resource URI (resolved
// against the origin when relative) and replaced with the segment route.
func RewriteManifest(manifest, originURL, baseURL, streamID string) string {
	origin, err := url.Parse(originURL)
	if err != nil {
		return manifest
	}
	lines := strings.Split(manifest, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			out[i] = line
		case strings.HasPrefix(trimmed, "#"):
			out[i] = rewriteTagLine(line, origin, baseURL, streamID)
		default:
			abs := resolveAgainst(origin, trimmed)
			out[i] = segmentRoute(baseURL, streamID, abs)
		}
	}
	return strings.Join(out, "\n")
}

// rewriteTagLine substitutes the URI attribute on a comment line, leaving
// everything else untouched.
func rewriteTagLine(line string, origin *url.URL, baseURL, streamID string) string {
	if !strings.Contains(line, `URI="`) {
		return line
	}
	return uriAttrRe.ReplaceAllStringFunc(line, func(m string) string {
		sub := uriAttrRe.FindStringSubmatch(m)
		abs := resolveAgainst(origin, sub[1])
		return `URI="` + segmentRoute(baseURL, streamID, abs) + `"`
	})
}

// resolveAgainst resolves ref (possibly relative) against the origin URL's
// directory. Absolute refs pass through unchanged.
func resolveAgainst(origin *url.URL, ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return origin.ResolveReference(parsed).String()
}

// RewriteLocalManifest points the segment names of a transcoder playlist at
// the local-file route.
func RewriteLocalManifest(manifest, baseURL, streamID string) string {
	lines := strings.Split(manifest, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out[i] = line
			continue
		}
		out[i] = fmt.Sprintf("%s/api/streams/%s/local/%s", baseURL, streamID, trimmed)
	}
	return strings.Join(out, "\n")
}
