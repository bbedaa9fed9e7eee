package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/iptv-gateway/internal/catalog"
	"github.com/snapetech/iptv-gateway/internal/geobypass"
	"github.com/snapetech/iptv-gateway/internal/store"
	"github.com/snapetech/iptv-gateway/internal/transcoder"
)

func testProxy(t *testing.T, client *http.Client) (*Proxy, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	geo := geobypass.New(zerolog.Nop())
	geo.HTTP = client
	tc := transcoder.New("ffmpeg", t.TempDir(), zerolog.Nop())
	p := New(st, tc, geo, "http://api.local", zerolog.Nop())
	p.Client = client
	p.sleep = func(time.Duration) {}
	return p, st
}

func seedStream(t *testing.T, st *store.Store, url string) *catalog.Stream {
	t.Helper()
	s := catalog.Stream{ChannelID: "ch1", URL: url, Country: "UK"}
	if err := st.UpsertStreams([]catalog.Stream{s}); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetStreamByID(catalog.StreamID(url, "ch1"))
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestHandlePlay_notFound(t *testing.T) {
	p, _ := testProxy(t, http.DefaultClient)
	rec := httptest.NewRecorder()
	p.HandlePlay(rec, httptest.NewRequest("GET", "/api/streams/zzz/play.m3u8", nil), "zzz")
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing on error response")
	}
}

func TestHandlePlay_youtubeRedirect(t *testing.T) {
	p, st := testProxy(t, http.DefaultClient)
	s := seedStream(t, st, "https://www.youtube.com/watch?v=abc")
	rec := httptest.NewRecorder()
	p.HandlePlay(rec, httptest.NewRequest("GET", "/play", nil), s.ID)
	if rec.Code != http.StatusFound {
		t.Fatalf("code = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != s.URL {
		t.Errorf("Location = %q", loc)
	}
}

func TestHandlePlay_hlsPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "MyPlayer/1.0" {
			t.Errorf("UA = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, "#EXTM3U\n#EXTINF:4,\nsegment0.ts\n")
	}))
	defer srv.Close()

	p, st := testProxy(t, srv.Client())
	url := srv.URL + "/live/stream.m3u8"
	s := catalog.Stream{ChannelID: "ch1", URL: url, UserAgent: "MyPlayer/1.0"}
	if err := st.UpsertStreams([]catalog.Stream{s}); err != nil {
		t.Fatal(err)
	}
	id := catalog.StreamID(url, "ch1")

	rec := httptest.NewRecorder()
	p.HandlePlay(rec, httptest.NewRequest("GET", "/play", nil), id)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	want := "http://api.local/api/streams/" + id + "/segment/" + EncodeSegmentURL(srv.URL+"/live/segment0.ts")
	if !strings.Contains(body, want) {
		t.Errorf("body = %q, want segment %q", body, want)
	}
}

func TestHandlePlay_retriesOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "#EXTM3U\nseg.ts\n")
	}))
	defer srv.Close()

	p, st := testProxy(t, srv.Client())
	s := seedStream(t, st, srv.URL+"/a/x.m3u8")
	rec := httptest.NewRecorder()
	p.HandlePlay(rec, httptest.NewRequest("GET", "/play", nil), s.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d after retries", rec.Code)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("origin called %d times, want 3", n)
	}
}

func TestHandlePlay_upstream5xxExhaustedIs502(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	p, st := testProxy(t, srv.Client())
	s := seedStream(t, st, srv.URL+"/x.m3u8")
	rec := httptest.NewRecorder()
	p.HandlePlay(rec, httptest.NewRequest("GET", "/play", nil), s.ID)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestHandlePlay_geoBypassOnce(t *testing.T) {
	var plain, bypassed int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") == "" {
			atomic.AddInt32(&plain, 1)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		atomic.AddInt32(&bypassed, 1)
		io.WriteString(w, "#EXTM3U\nseg.ts\n")
	}))
	defer srv.Close()

	p, st := testProxy(t, srv.Client())
	s := seedStream(t, st, srv.URL+"/uk/x.m3u8") // Country=UK drives the spoof
	rec := httptest.NewRecorder()
	p.HandlePlay(rec, httptest.NewRequest("GET", "/play", nil), s.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if atomic.LoadInt32(&plain) != 1 || atomic.LoadInt32(&bypassed) != 1 {
		t.Errorf("plain=%d bypassed=%d, want exactly one each", plain, bypassed)
	}
}

func TestHandlePlay_geoBypassFailureIs403(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p, st := testProxy(t, srv.Client())
	s := seedStream(t, st, srv.URL+"/uk/x.m3u8")
	rec := httptest.NewRecorder()
	p.HandlePlay(rec, httptest.NewRequest("GET", "/play", nil), s.ID)
	if rec.Code != http.StatusForbidden {
		t.Errorf("code = %d", rec.Code)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("origin called %d times, want 2 (original + one bypass)", n)
	}
}

func TestHandleSegment_badToken(t *testing.T) {
	p, _ := testProxy(t, http.DefaultClient)
	rec := httptest.NewRecorder()
	p.HandleSegment(rec, httptest.NewRequest("GET", "/seg", nil), "s", "@@@not-base64@@@")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestHandleSegment_rejectsNonHTTPTargets(t *testing.T) {
	p, _ := testProxy(t, http.DefaultClient)
	for _, target := range []string{
		"ftp://10.0.0.1/seg.ts",
		"file:///etc/passwd",
		"/relative/seg.ts",
	} {
		rec := httptest.NewRecorder()
		p.HandleSegment(rec, httptest.NewRequest("GET", "/seg", nil), "s", EncodeSegmentURL(target))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: code = %d, want 400", target, rec.Code)
		}
	}
}

func TestHandleSegment_mediaPassthrough(t *testing.T) {
	payload := []byte{0x47, 0x00, 0x01, 0x02}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	}))
	defer srv.Close()

	p, _ := testProxy(t, srv.Client())
	rec := httptest.NewRecorder()
	p.HandleSegment(rec, httptest.NewRequest("GET", "/seg", nil), "s", EncodeSegmentURL(srv.URL+"/seg0.ts"))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age=3600") {
		t.Errorf("cache control = %q", cc)
	}
	if rec.Body.String() != string(payload) {
		t.Error("body altered")
	}
}

func TestHandleSegment_nestedPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, "#EXTM3U\nchunk0.ts\n")
	}))
	defer srv.Close()

	p, _ := testProxy(t, srv.Client())
	nested := srv.URL + "/variant/mid.m3u8"
	rec := httptest.NewRecorder()
	p.HandleSegment(rec, httptest.NewRequest("GET", "/seg", nil), "s", EncodeSegmentURL(nested))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	// Nested rewrites are absolute proxy URLs.
	want := "http://api.local/api/streams/s/segment/" + EncodeSegmentURL(srv.URL+"/variant/chunk0.ts")
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleSegment_404Propagates(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	p, _ := testProxy(t, srv.Client())
	rec := httptest.NewRecorder()
	p.HandleSegment(rec, httptest.NewRequest("GET", "/seg", nil), "s", EncodeSegmentURL(srv.URL+"/gone.ts"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestHandleLocal_traversalRejected(t *testing.T) {
	p, _ := testProxy(t, http.DefaultClient)
	rec := httptest.NewRecorder()
	p.HandleLocal(rec, httptest.NewRequest("GET", "/local", nil), "s1", "../s2/index.m3u8")
	if rec.Code != http.StatusForbidden {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestHandleLocal_servesFile(t *testing.T) {
	p, _ := testProxy(t, http.DefaultClient)
	dir := p.Transcoder.Dir("s1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "segment_001.ts"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	p.HandleLocal(rec, httptest.NewRequest("GET", "/local", nil), "s1", "segment_001.ts")
	if rec.Code != http.StatusOK || rec.Body.String() != "data" {
		t.Errorf("code = %d body = %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("content type = %q", ct)
	}
}
