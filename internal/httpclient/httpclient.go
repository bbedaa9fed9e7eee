// Package httpclient provides shared tuned HTTP clients for the sync client,
// health worker, and stream proxy.
package httpclient

import (
	"compress/gzip"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
	}
}

// WithTimeout returns a client with the given timeout over the shared
// transport settings.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}

// Insecure returns a client that skips TLS verification. IPTV origins run a
// lot of self-signed and mismatched certs; probing and proxying tolerate them.
func Insecure(timeout time.Duration) *http.Client {
	var tr *http.Transport
	if t, ok := defaultClient.Transport.(*http.Transport); ok {
		tr = t.Clone()
	} else {
		tr = &http.Transport{}
	}
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// DecodeBody wraps resp.Body according to Content-Encoding. Upstream CDNs
// serve manifests gzip- or brotli-compressed even to clients that did not ask.
// The caller still closes resp.Body.
func DecodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
