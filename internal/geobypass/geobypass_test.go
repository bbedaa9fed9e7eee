package geobypass

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDetectCountry(t *testing.T) {
	s := New(zerolog.Nop())
	cases := map[string]string{
		"https://vs-cmaf-push-uk.live.bbc.co.uk/x.m3u8": "uk",
		"https://cdn.RTVE.es/live/x.m3u8":               "es",
		"http://brasilstream.example/x":                 "br",
		"http://cdnmedia.tv/canal5/index.m3u8":          "co",
		"http://plain.example.com/x.m3u8":               "",
	}
	for url, want := range cases {
		if got := s.DetectCountry(url); got != want {
			t.Errorf("DetectCountry(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestFakeIP_withinCountryRanges(t *testing.T) {
	s := New(zerolog.Nop())
	firstOctets := map[string]map[int]bool{
		"uk": {2: true, 5: true, 31: true, 51: true, 82: true, 86: true},
		"br": {138: true, 143: true, 152: true, 177: true, 179: true, 186: true},
	}
	for country, lows := range firstOctets {
		for i := 0; i < 50; i++ {
			ip := s.FakeIP(country)
			parsed := net.ParseIP(ip)
			if parsed == nil || parsed.To4() == nil {
				t.Fatalf("FakeIP(%q) = %q, not IPv4", country, ip)
			}
			first, _ := strconv.Atoi(strings.SplitN(ip, ".", 2)[0])
			ok := false
			for lo := range lows {
				if first >= lo && first <= 255 {
					ok = true
					break
				}
			}
			if !ok {
				t.Errorf("FakeIP(%q) first octet %d outside table", country, first)
			}
		}
	}
}

func TestSpoofedHeaders(t *testing.T) {
	s := New(zerolog.Nop())
	h := s.SpoofedHeaders("https://vs-cmaf-push-uk.live.bbc.co.uk/x.m3u8", "")
	ip := h.Get("X-Forwarded-For")
	if ip == "" || h.Get("Client-IP") != ip || h.Get("X-Real-IP") != ip {
		t.Errorf("forwarding headers inconsistent: %v", h)
	}
	if h.Get("Referer") == "" || h.Get("Origin") != "https://vs-cmaf-push-uk.live.bbc.co.uk" {
		t.Errorf("referer/origin = %q / %q", h.Get("Referer"), h.Get("Origin"))
	}
}

func TestFetchWithBypass_headerMerging(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	s.HTTP = srv.Client()
	orig := http.Header{}
	orig.Set("User-Agent", "CustomPlayer/2.0")
	orig.Set("Referer", "http://my.referer/")
	resp, err := s.FetchWithBypass(context.Background(), srv.URL+"/bbc.co.uk/x.m3u8", orig, "")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got.Get("User-Agent") != "CustomPlayer/2.0" {
		t.Errorf("caller UA must survive, got %q", got.Get("User-Agent"))
	}
	if got.Get("Referer") != "http://my.referer/" {
		t.Errorf("existing Referer must survive, got %q", got.Get("Referer"))
	}
	if got.Get("X-Forwarded-For") == "" || got.Get("Client-IP") == "" || got.Get("X-Real-IP") == "" {
		t.Errorf("spoofed forwarding headers missing: %v", got)
	}
	if got.Get("Origin") == "" {
		t.Error("Origin should be filled in when absent")
	}
}

func TestIsGeoBlockedError(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   bool
	}{
		{403, "", true},
		{451, "", true},
		{200, "this content is not available in your region", true},
		{500, "internal error", false},
		{200, "", false},
	}
	for _, tc := range cases {
		if got := IsGeoBlockedError(tc.status, tc.body); got != tc.want {
			t.Errorf("IsGeoBlockedError(%d, %q) = %v", tc.status, tc.body, got)
		}
	}
}
