// Package importer parses local M3U playlists and XMLTV guides into the store.
package importer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/snapetech/iptv-gateway/internal/catalog"
	"github.com/snapetech/iptv-gateway/internal/store"
)

// extinfRe captures tvg-id and the display name from an EXTINF line.
var extinfRe = regexp.MustCompile(`^#EXTINF:-?\d+\s*(?:tvg-id="([^"]*)")?[^,]*,(.+)$`)

// qualityTokens maps name substrings to a quality label, checked in order so
// the highest resolution wins.
var qualityTokens = []struct {
	token   string
	quality string
}{
	{"4k", "4k"},
	{"2160", "4k"},
	{"1080", "1080p"},
	{"720", "720p"},
	{"480", "480p"},
	{"360", "360p"},
}

// ImportM3UDir parses every *.m3u file under dir and upserts the streams.
// Filenames follow `<country>[_<provider>].m3u`. countries, when non-empty,
// restricts import to those country codes. Per-file errors are skipped.
// Returns the number of streams imported.
func ImportM3UDir(st *store.Store, dir string, countries []string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read m3u dir: %w", err)
	}
	want := make(map[string]bool, len(countries))
	for _, c := range countries {
		want[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".m3u") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		country, provider := parseM3UFilename(name)
		if len(want) > 0 && !want[country] {
			continue
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		streams, err := ParseM3U(f, country, provider)
		f.Close()
		if err != nil {
			continue
		}
		if err := st.UpsertStreams(streams); err != nil {
			return total, fmt.Errorf("upsert %s: %w", name, err)
		}
		total += len(streams)
	}
	return total, nil
}

// parseM3UFilename splits `us_pluto.m3u` into ("US", "pluto") and `uk.m3u`
// into ("UK", "").
func parseM3UFilename(name string) (country, provider string) {
	base := strings.TrimSuffix(strings.ToLower(name), ".m3u")
	if i := strings.Index(base, "_"); i >= 0 {
		return strings.ToUpper(base[:i]), base[i+1:]
	}
	return strings.ToUpper(base), ""
}

// ParseM3U reads one playlist. Each EXTINF line yields a stream from the next
// non-comment non-blank line (the URL). tvg-id has the shape
// `ChannelName.country[@Feed]`; the part after @ is the feed.
func ParseM3U(r io.Reader, country, provider string) ([]catalog.Stream, error) {
	var out []catalog.Stream
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var pending *catalog.Stream
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if m := extinfRe.FindStringSubmatch(line); m != nil {
			tvgID, display := m[1], strings.TrimSpace(m[2])
			channelID, feed := splitTvgID(tvgID)
			pending = &catalog.Stream{
				ChannelID: channelID,
				FeedID:    feed,
				Title:     display,
				Quality:   inferQuality(display),
				Country:   country,
				Provider:  provider,
				Source:    "m3u_local",
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		// A bare URL line completes the pending entry; URLs without a
		// preceding EXTINF are skipped.
		if pending != nil {
			pending.URL = line
			pending.ID = catalog.M3UStreamID(line, country, provider)
			out = append(out, *pending)
			pending = nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// splitTvgID separates `ABC.us@East` into ("ABC.us", "East").
func splitTvgID(tvgID string) (channelID, feed string) {
	if tvgID == "" {
		return "", ""
	}
	if i := strings.Index(tvgID, "@"); i >= 0 {
		return tvgID[:i], tvgID[i+1:]
	}
	return tvgID, ""
}

func inferQuality(name string) string {
	lower := strings.ToLower(name)
	for _, q := range qualityTokens {
		if strings.Contains(lower, q.token) {
			return q.quality
		}
	}
	return ""
}
