// Package geobypass works around geo-restricted stream origins with
// country-plausible header spoofing.
package geobypass

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/iptv-gateway/internal/httpclient"
	"github.com/snapetech/iptv-gateway/internal/safeurl"
)

const desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// octetRange is an inclusive range a spoofed first octet is drawn from.
type octetRange struct{ lo, hi int }

// countryIPRanges holds first-octet patterns common per region, used for
// X-Forwarded-For spoofing.
var countryIPRanges = map[string][]octetRange{
	"uk": {{2, 255}, {5, 255}, {31, 255}, {51, 255}, {82, 255}, {86, 255}},
	"us": {{3, 255}, {8, 255}, {12, 255}, {15, 255}, {23, 255}, {24, 255}},
	"de": {{5, 255}, {46, 255}, {77, 255}, {78, 255}, {79, 255}, {80, 255}},
	"es": {{2, 255}, {5, 255}, {31, 255}, {37, 255}, {77, 255}, {79, 255}},
	"br": {{138, 255}, {143, 255}, {152, 255}, {177, 255}, {179, 255}, {186, 255}},
	"co": {{138, 255}, {152, 255}, {181, 255}, {186, 255}, {190, 255}, {200, 255}},
	"fr": {{2, 255}, {5, 255}, {31, 255}, {37, 255}, {77, 255}, {78, 255}},
}

// geoPatterns maps URL substrings to the country whose restriction they imply.
var geoPatterns = map[string][]string{
	"uk": {"bbc.co.uk", ".bbc.", "akamaized.net/x=4/i=urn:bbc", "ve-cmaf-push-uk", "vs-cmaf-push-uk"},
	"es": {".3catdirectes.cat", "rtve.es"},
	"br": {"brasilstream", "playplus", "akamaihd.net/i/pp_"},
	"co": {"cdnmedia.tv/canal", "cdnmedia.tv/cristo"},
}

// geoKeywords in a response body suggest a block even without a telltale status.
var geoKeywords = []string{"geo", "country", "region", "available in your", "not available"}

type Service struct {
	HTTP *http.Client
	Log  zerolog.Logger
	rand *rand.Rand
}

func New(log zerolog.Logger) *Service {
	return &Service{
		// Bad certs are routine on these origins.
		HTTP: httpclient.Insecure(30 * time.Second),
		Log:  log,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DetectCountry returns the likely restriction country for a URL, "" if none.
func (s *Service) DetectCountry(url string) string {
	lower := strings.ToLower(url)
	for country, patterns := range geoPatterns {
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				return country
			}
		}
	}
	return ""
}

// FakeIP generates a plausible IPv4 for the country: first octet from the
// country table, the rest uniform in [1,255].
func (s *Service) FakeIP(country string) string {
	ranges, ok := countryIPRanges[strings.ToLower(country)]
	if !ok {
		ranges = []octetRange{{1, 200}}
	}
	r := ranges[s.rand.Intn(len(ranges))]
	return fmt.Sprintf("%d.%d.%d.%d",
		r.lo+s.rand.Intn(r.hi-r.lo+1),
		1+s.rand.Intn(255), 1+s.rand.Intn(255), 1+s.rand.Intn(255))
}

// SpoofedHeaders builds the full header set for a bypass request.
func (s *Service) SpoofedHeaders(url, country string) http.Header {
	if country == "" {
		country = s.DetectCountry(url)
	}
	if country == "" {
		country = "us"
	}
	ip := s.FakeIP(country)
	h := http.Header{}
	h.Set("User-Agent", desktopUA)
	h.Set("X-Forwarded-For", ip)
	h.Set("Client-IP", ip)
	h.Set("X-Real-IP", ip)
	h.Set("Referer", url)
	if origin := safeurl.Origin(url); origin != "" {
		h.Set("Origin", origin)
	}
	return h
}

// FetchWithBypass GETs url with the caller's headers overlaid with spoofed
// forwarding headers. The caller's User-Agent survives; Referer and Origin
// are filled in only when absent. Redirects are followed, TLS is not verified.
func (s *Service) FetchWithBypass(ctx context.Context, url string, origHeaders http.Header, targetCountry string) (*http.Response, error) {
	if targetCountry == "" {
		targetCountry = s.DetectCountry(url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range origHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if targetCountry != "" {
		spoofed := s.SpoofedHeaders(url, targetCountry)
		for _, k := range []string{"X-Forwarded-For", "Client-IP", "X-Real-IP"} {
			req.Header.Set(k, spoofed.Get(k))
		}
		if req.Header.Get("Referer") == "" {
			req.Header.Set("Referer", spoofed.Get("Referer"))
		}
		if req.Header.Get("Origin") == "" && spoofed.Get("Origin") != "" {
			req.Header.Set("Origin", spoofed.Get("Origin"))
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", desktopUA)
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusForbidden:
		s.Log.Warn().Str("url", truncate(url, 50)).Msg("geo-bypass still 403")
	case http.StatusOK:
		s.Log.Info().Str("url", truncate(url, 50)).Msg("geo-bypass succeeded")
	}
	return resp, nil
}

// IsGeoBlockedError reports whether a response looks like a geo-block: 403,
// 451, or a body mentioning region availability.
func IsGeoBlockedError(statusCode int, body string) bool {
	if statusCode == http.StatusForbidden || statusCode == http.StatusUnavailableForLegalReasons {
		return true
	}
	lower := strings.ToLower(body)
	for _, kw := range geoKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
