package safeurl

import "testing"

func TestIsHTTPOrHTTPS(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"http://example.com/stream.m3u8", true},
		{"https://example.com", true},
		{"file:///etc/passwd", false},
		{"ftp://example.com/x", false},
		{"javascript:alert(1)", false},
		{"//example.com/path", false},
		{"not a url at all\x00", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsHTTPOrHTTPS(tc.in); got != tc.ok {
			t.Errorf("IsHTTPOrHTTPS(%q) = %v, want %v", tc.in, got, tc.ok)
		}
	}
}

func TestOrigin(t *testing.T) {
	if got := Origin("https://cdn.example.com/live/a.m3u8?x=1"); got != "https://cdn.example.com" {
		t.Errorf("Origin = %q", got)
	}
	if got := Origin("file:///etc/passwd"); got != "" {
		t.Errorf("Origin(file) = %q", got)
	}
}
