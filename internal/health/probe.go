// Package health continuously assays stream liveness: a HEAD/GET probe per
// stream, adaptive recheck scheduling, and a snapshot file for warm starts.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/snapetech/iptv-gateway/internal/catalog"
)

const desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Result is one probe outcome, ready for UpdateStreamHealth.
type Result struct {
	Status     catalog.HealthStatus
	ResponseMS int
	Err        string
}

// Probe checks one stream with a HEAD request (GET with a 1-byte Range when
// the origin rejects HEAD with 405). Redirects are followed; the stream's
// recorded user agent and referrer are sent when present.
func Probe(ctx context.Context, client *http.Client, stream *catalog.Stream) Result {
	start := time.Now()
	resp, err := doProbe(ctx, client, stream, http.MethodHead)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		resp, err = doProbe(ctx, client, stream, http.MethodGet)
	}
	elapsed := int(time.Since(start).Milliseconds())
	if err != nil {
		return Result{Status: catalog.HealthFailed, ResponseMS: elapsed, Err: classifyError(err)}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return classifyStatus(resp.StatusCode, elapsed)
}

func doProbe(ctx context.Context, client *http.Client, stream *catalog.Stream, method string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, stream.URL, nil)
	if err != nil {
		return nil, err
	}
	ua := stream.UserAgent
	if ua == "" {
		ua = desktopUA
	}
	req.Header.Set("User-Agent", ua)
	if stream.Referrer != "" {
		req.Header.Set("Referer", stream.Referrer)
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	return client.Do(req)
}

func classifyStatus(code, elapsed int) Result {
	switch {
	case code == http.StatusOK || code == http.StatusPartialContent:
		return Result{Status: catalog.HealthWorking, ResponseMS: elapsed}
	case code == http.StatusForbidden:
		return Result{Status: catalog.HealthWarning, ResponseMS: elapsed, Err: "403 Forbidden (possible geo-block)"}
	case code == http.StatusNotFound:
		return Result{Status: catalog.HealthFailed, ResponseMS: elapsed, Err: "404 Not Found"}
	default:
		return Result{Status: catalog.HealthFailed, ResponseMS: elapsed, Err: fmt.Sprintf("HTTP %d", code)}
	}
}

func classifyError(err error) string {
	if isTimeout(err) {
		return "Timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "Connection refused"
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") {
		return "Connection refused"
	}
	if len(msg) > 100 {
		msg = msg[:100]
	}
	return msg
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

// NextCheckDue returns when a stream with the given probe outcome should be
// rechecked. Working streams recheck often; hard failures much later.
func NextCheckDue(status catalog.HealthStatus, errStr string, from time.Time) time.Time {
	switch {
	case status == catalog.HealthWorking:
		return from.Add(6 * time.Hour)
	case status == catalog.HealthWarning:
		return from.Add(7 * 24 * time.Hour)
	case strings.Contains(errStr, "404") || strings.Contains(errStr, "Not Found"):
		return from.Add(7 * 24 * time.Hour)
	case strings.Contains(errStr, "Timeout"):
		return from.Add(1 * time.Hour)
	case strings.Contains(errStr, "Connection refused"):
		return from.Add(24 * time.Hour)
	default:
		return from.Add(1 * time.Hour)
	}
}
