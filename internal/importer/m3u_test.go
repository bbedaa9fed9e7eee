package importer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/snapetech/iptv-gateway/internal/catalog"
	"github.com/snapetech/iptv-gateway/internal/store"
)

func TestParseM3U_basic(t *testing.T) {
	input := `#EXTM3U
#EXTINF:-1 tvg-id="ABC.us@East",ABC East
http://x/1.m3u8
#EXTINF:-1 tvg-id="NBC.us" tvg-logo="http://l/n.png",NBC 1080p
http://x/2.m3u8
#EXTINF:0,No ID Channel
http://x/3.m3u8
`
	streams, err := ParseM3U(strings.NewReader(input), "US", "pluto")
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 3 {
		t.Fatalf("got %d streams", len(streams))
	}
	first := streams[0]
	if first.ChannelID != "ABC.us" || first.FeedID != "East" {
		t.Errorf("tvg-id split = %q @ %q", first.ChannelID, first.FeedID)
	}
	if first.Title != "ABC East" || first.Country != "US" || first.Provider != "pluto" {
		t.Errorf("first = %+v", first)
	}
	if first.Quality != "" {
		t.Errorf("quality should be empty, got %q", first.Quality)
	}
	if first.ID != catalog.M3UStreamID("http://x/1.m3u8", "US", "pluto") {
		t.Errorf("id = %q", first.ID)
	}
	if streams[1].Quality != "1080p" {
		t.Errorf("quality = %q", streams[1].Quality)
	}
	if streams[2].ChannelID != "" || streams[2].Title != "No ID Channel" {
		t.Errorf("third = %+v", streams[2])
	}
}

func TestParseM3U_ignoresStrays(t *testing.T) {
	input := `#EXTM3U
http://orphan/url.m3u8
#EXTVLCOPT:http-user-agent=Foo
#EXTINF:-1,Ok
http://x/ok.m3u8
`
	streams, err := ParseM3U(strings.NewReader(input), "UK", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 1 || streams[0].Title != "Ok" {
		t.Fatalf("streams = %+v", streams)
	}
}

func TestInferQuality(t *testing.T) {
	cases := map[string]string{
		"Channel 4K":     "4k",
		"Sports 2160":    "4k",
		"News FHD 1080p": "1080p",
		"Kids 720":       "720p",
		"Old 480p":       "480p",
		"Tiny 360p":      "360p",
		"Plain Channel":  "",
	}
	for name, want := range cases {
		if got := inferQuality(name); got != want {
			t.Errorf("inferQuality(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestParseM3UFilename(t *testing.T) {
	c, p := parseM3UFilename("us_pluto.m3u")
	if c != "US" || p != "pluto" {
		t.Errorf("got %q %q", c, p)
	}
	c, p = parseM3UFilename("uk.m3u")
	if c != "UK" || p != "" {
		t.Errorf("got %q %q", c, p)
	}
}

func TestImportM3UDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "us_pluto.m3u"), "#EXTM3U\n#EXTINF:-1 tvg-id=\"ABC.us\",ABC\nhttp://x/1.m3u8\n")
	writeFile(t, filepath.Join(dir, "uk.m3u"), "#EXTM3U\n#EXTINF:-1,BBC One\nhttp://x/2.m3u8\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a playlist")

	st, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	n, err := ImportM3UDir(st, dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("imported %d", n)
	}

	// Country filter limits which files are read.
	n, err = ImportM3UDir(st, dir, []string{"uk"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("filtered import = %d", n)
	}

	stats, err := st.GetStreamStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 {
		t.Errorf("total streams = %d (re-import must not duplicate)", stats.Total)
	}
	if stats.ByProvider["pluto"] != 1 {
		t.Errorf("by_provider = %v", stats.ByProvider)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
