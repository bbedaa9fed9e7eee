// Package proxy serves origin-concealing HLS: it fetches upstream manifests
// with injected headers, retries transient failures, falls back to geo-bypass
// on 403, and rewrites every URI to point back at the gateway.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/iptv-gateway/internal/catalog"
	"github.com/snapetech/iptv-gateway/internal/geobypass"
	"github.com/snapetech/iptv-gateway/internal/httpclient"
	"github.com/snapetech/iptv-gateway/internal/safeurl"
	"github.com/snapetech/iptv-gateway/internal/store"
	"github.com/snapetech/iptv-gateway/internal/transcoder"
)

const desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Sentinel errors the handlers map onto status codes.
var (
	ErrUpstreamTimeout = errors.New("proxy: upstream timeout")
	ErrGeoBlocked      = errors.New("proxy: geo-restricted and bypass failed")
)

// upstreamError preserves the origin's status code for the 502 detail.
type upstreamError struct{ code int }

func (e *upstreamError) Error() string { return fmt.Sprintf("upstream HTTP %d", e.code) }

const maxRetries = 2

type Proxy struct {
	Store      *store.Store
	Transcoder *transcoder.Manager
	Geo        *geobypass.Service
	Client     *http.Client
	BaseURL    string // configured external base; "" derives from the request
	Log        zerolog.Logger

	// sleep is swapped out in tests to skip real backoff waits.
	sleep func(time.Duration)
}

func New(st *store.Store, tc *transcoder.Manager, geo *geobypass.Service, baseURL string, log zerolog.Logger) *Proxy {
	return &Proxy{
		Store:      st,
		Transcoder: tc,
		Geo:        geo,
		Client:     httpclient.Insecure(30 * time.Second),
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Log:        log,
		sleep:      time.Sleep,
	}
}

// baseFor returns the absolute base URL rewritten manifests should use.
func (p *Proxy) baseFor(r *http.Request) string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

// originHeaders composes the headers sent upstream for a stream.
func originHeaders(stream *catalog.Stream) http.Header {
	h := http.Header{}
	ua := stream.UserAgent
	if ua == "" {
		ua = desktopUA
	}
	h.Set("User-Agent", ua)
	if stream.Referrer != "" {
		h.Set("Referer", stream.Referrer)
	}
	return h
}

// fetchOrigin GETs url with retry on timeouts and 5xx (backoff 0.5*2^attempt)
// and a single geo-bypass attempt on 403. Responses other than 2xx/403 after
// retries surface as *upstreamError.
func (p *Proxy) fetchOrigin(ctx context.Context, url string, headers http.Header, stream *catalog.Stream) (*http.Response, error) {
	triedBypass := false
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := p.Client.Do(req)
		if err != nil {
			if isTimeout(err) {
				if attempt < maxRetries {
					p.backoff(attempt)
					continue
				}
				return nil, ErrUpstreamTimeout
			}
			return nil, err
		}
		if resp.StatusCode >= 500 && attempt < maxRetries {
			drain(resp)
			p.backoff(attempt)
			continue
		}
		if resp.StatusCode == http.StatusForbidden && !triedBypass {
			drain(resp)
			triedBypass = true
			country := ""
			if stream != nil {
				country = strings.ToLower(stream.Country)
			}
			bypassed, berr := p.Geo.FetchWithBypass(ctx, url, headers, country)
			if berr == nil && bypassed.StatusCode == http.StatusOK {
				return bypassed, nil
			}
			if berr == nil {
				drain(bypassed)
			}
			return nil, ErrGeoBlocked
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		code := resp.StatusCode
		drain(resp)
		return nil, &upstreamError{code: code}
	}
}

func (p *Proxy) backoff(attempt int) {
	p.sleep(time.Duration(0.5 * math.Pow(2, float64(attempt)) * float64(time.Second)))
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout")
}

// HandlePlay serves /api/streams/{id}/play.m3u8: redirect for youtube URLs,
// transcode for .mpd/.mp4, HLS passthrough for everything else.
func (p *Proxy) HandlePlay(w http.ResponseWriter, r *http.Request, streamID string) {
	stream, err := p.Store.GetStreamByID(streamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "stream not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	lower := strings.ToLower(stream.URL)
	switch {
	case strings.Contains(lower, "youtube.com") || strings.Contains(lower, "youtu.be"):
		corsHeaders(w)
		http.Redirect(w, r, stream.URL, http.StatusFound)
	case strings.Contains(lower, ".mpd") || strings.Contains(lower, ".mp4"):
		p.serveTranscoded(w, r, stream)
	default:
		p.serveHLS(w, r, stream)
	}
}

func (p *Proxy) serveHLS(w http.ResponseWriter, r *http.Request, stream *catalog.Stream) {
	resp, err := p.fetchOrigin(r.Context(), stream.URL, originHeaders(stream), stream)
	if err != nil {
		p.writeFetchError(w, err)
		return
	}
	defer resp.Body.Close()
	body, err := readDecoded(resp)
	if err != nil {
		writeError(w, http.StatusBadGateway, "reading origin manifest failed")
		return
	}
	// Redirects may have moved us; rewrite against the final URL.
	finalURL := stream.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	rewritten := RewriteManifest(string(body), finalURL, p.baseFor(r), stream.ID)
	corsHeaders(w)
	noCache(w)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(rewritten))
}

// HandleSegment serves /api/streams/{id}/segment/{encoded}: either a nested
// playlist (rewritten again) or a raw media segment.
func (p *Proxy) HandleSegment(w http.ResponseWriter, r *http.Request, streamID, encoded string) {
	target, err := DecodeSegmentToken(encoded)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed segment token")
		return
	}
	// Tokens come from the client; only fetch web origins with them.
	if !safeurl.IsHTTPOrHTTPS(target) {
		writeError(w, http.StatusBadRequest, "segment token is not an HTTP URL")
		return
	}
	var stream *catalog.Stream
	if s, err := p.Store.GetStreamByID(streamID); err == nil {
		stream = s
	}
	headers := http.Header{}
	if stream != nil {
		headers = originHeaders(stream)
	} else {
		headers.Set("User-Agent", desktopUA)
	}
	resp, err := p.fetchOrigin(r.Context(), target, headers, stream)
	if err != nil {
		var ue *upstreamError
		if errors.As(err, &ue) && ue.code == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "segment not found upstream")
			return
		}
		p.writeFetchError(w, err)
		return
	}
	defer resp.Body.Close()

	corsHeaders(w)
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "mpegurl") || strings.HasSuffix(strings.ToLower(target), ".m3u8") {
		body, err := readDecoded(resp)
		if err != nil {
			writeError(w, http.StatusBadGateway, "reading nested playlist failed")
			return
		}
		finalURL := target
		if resp.Request != nil && resp.Request.URL != nil {
			finalURL = resp.Request.URL.String()
		}
		rewritten := RewriteManifest(string(body), finalURL, p.baseFor(r), streamID)
		noCache(w)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(rewritten))
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	io.Copy(w, resp.Body)
}

// serveTranscoded hands non-HLS inputs to the transcoder and serves its
// playlist once ffmpeg produces it.
func (p *Proxy) serveTranscoded(w http.ResponseWriter, r *http.Request, stream *catalog.Stream) {
	if err := p.Transcoder.StartTranscode(stream.ID, stream.URL); err != nil {
		p.Log.Error().Err(err).Str("stream", stream.ID).Msg("transcode start failed")
		writeError(w, http.StatusServiceUnavailable, "transcoder unavailable")
		return
	}
	if !p.Transcoder.WaitReady(r.Context(), stream.ID) {
		writeError(w, http.StatusServiceUnavailable, "transcode did not become ready")
		return
	}
	body, err := os.ReadFile(p.Transcoder.ManifestPath(stream.ID))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "transcode playlist unreadable")
		return
	}
	p.Transcoder.Touch(stream.ID)
	rewritten := RewriteLocalManifest(string(body), p.baseFor(r), stream.ID)
	corsHeaders(w)
	noCache(w)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(rewritten))
}

// HandleLocal serves transcoder output files, refusing paths that escape the
// stream's directory.
func (p *Proxy) HandleLocal(w http.ResponseWriter, r *http.Request, streamID, filename string) {
	path, err := p.Transcoder.SafePath(streamID, filename)
	if err != nil {
		writeError(w, http.StatusForbidden, "path outside stream directory")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	p.Transcoder.Touch(streamID)
	corsHeaders(w)
	if strings.HasSuffix(filename, ".m3u8") {
		noCache(w)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	} else {
		w.Header().Set("Content-Type", "video/mp2t")
	}
	io.Copy(w, f)
}

// HandleStatus probes the stream once, inline, and reports the result.
func (p *Proxy) HandleStatus(w http.ResponseWriter, r *http.Request, streamID string) {
	stream, err := p.Store.GetStreamByID(streamID)
	if err != nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, stream.URL, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad stream url")
		return
	}
	for k, vs := range originHeaders(stream) {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		fmt.Fprintf(w, `{"id":%q,"alive":false,"error":%q}`, streamID, err.Error())
		return
	}
	drain(resp)
	fmt.Fprintf(w, `{"id":%q,"alive":%t,"status_code":%d,"response_ms":%d}`,
		streamID, resp.StatusCode < 400, resp.StatusCode, time.Since(start).Milliseconds())
}

func (p *Proxy) writeFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		writeError(w, http.StatusGatewayTimeout, "upstream timeout")
	case errors.Is(err, ErrGeoBlocked):
		writeError(w, http.StatusForbidden, "geo-restricted and bypass failed")
	default:
		var ue *upstreamError
		if errors.As(err, &ue) {
			writeError(w, http.StatusBadGateway, ue.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "upstream fetch failed")
	}
}

func readDecoded(resp *http.Response) ([]byte, error) {
	reader, err := httpclient.DecodeBody(resp)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(reader)
}

func corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
}

func writeError(w http.ResponseWriter, code int, detail string) {
	corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"detail":%q}`, detail)
}
