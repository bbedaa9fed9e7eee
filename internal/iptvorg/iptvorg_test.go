package iptvorg

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snapetech/iptv-gateway/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSync_appliesAndSkipsFailures(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels.json":
			io.WriteString(w, `[
				{"id":"ABC.us","name":"ABC","country":"us","categories":["news"]},
				{"id":"BBC.uk","name":"BBC One","country":"uk"}
			]`)
		case "/streams.json":
			io.WriteString(w, `[{"channel":"ABC.us","url":"http://x/abc.m3u8","quality":"720p"}]`)
		case "/languages.json":
			io.WriteString(w, `[{"code":"eng","name":"English"}]`)
		case "/categories.json":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer api.Close()

	st := openTestStore(t)
	c := New(api.URL, st, zerolog.Nop())
	summary, err := c.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary["channels"] != 2 || summary["streams"] != 1 || summary["languages"] != 1 {
		t.Errorf("summary = %v", summary)
	}
	if _, failed := summary["categories"]; failed {
		t.Error("failed endpoint must be absent from the summary")
	}

	// Country codes normalize to upper case on the way in.
	ch, err := st.GetChannelByID("ABC.us")
	if err != nil {
		t.Fatal(err)
	}
	if ch.Country != "US" || !ch.HasStreams || ch.StreamCount != 1 {
		t.Errorf("channel = %+v", ch)
	}

	raw, err := c.CachedAncillary("languages")
	if err != nil {
		t.Fatal(err)
	}
	if raw == "" || raw[0] != '[' {
		t.Errorf("cached languages = %q", raw)
	}
	if _, err := c.CachedAncillary("regions"); err == nil {
		t.Error("uncached ancillary should be a miss")
	}
}

func TestSync_importsLocalM3U(t *testing.T) {
	api := httptest.NewServer(http.NotFoundHandler())
	defer api.Close()

	dir := t.TempDir()
	playlist := "#EXTM3U\n#EXTINF:-1 tvg-id=\"ABC.us\",ABC\nhttp://x/abc.m3u8\n"
	if err := os.WriteFile(filepath.Join(dir, "us_pluto.m3u"), []byte(playlist), 0o644); err != nil {
		t.Fatal(err)
	}

	st := openTestStore(t)
	c := New(api.URL, st, zerolog.Nop())
	c.StreamsDir = dir
	summary, err := c.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary["m3u_local"] != 1 {
		t.Errorf("summary = %v", summary)
	}
	streams, err := st.GetStreamsForChannel("ABC.us")
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 1 || streams[0].Provider != "pluto" || streams[0].Country != "US" {
		t.Errorf("streams = %+v", streams)
	}
}

func TestResolveStreamsDir(t *testing.T) {
	dir := t.TempDir()
	got, ok := ResolveStreamsDir(dir)
	if !ok || got != dir {
		t.Errorf("override: got %q %v", got, ok)
	}
	if _, ok := ResolveStreamsDir(filepath.Join(dir, "missing")); ok {
		t.Error("missing override must not resolve")
	}
}
