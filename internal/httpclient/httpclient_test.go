package httpclient

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

func TestWithTimeout(t *testing.T) {
	c := WithTimeout(5 * time.Second)
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", c.Timeout)
	}
	if c == defaultClient || c.Transport == defaultClient.Transport {
		t.Error("WithTimeout must not share the base client state")
	}
}

func TestInsecure(t *testing.T) {
	c := Insecure(3 * time.Second)
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if tr.TLSClientConfig == nil || !tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify")
	}
}

func TestDecodeBody(t *testing.T) {
	cases := []struct {
		encoding string
		encode   func([]byte) []byte
	}{
		{"", func(b []byte) []byte { return b }},
		{"gzip", func(b []byte) []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			zw.Write(b)
			zw.Close()
			return buf.Bytes()
		}},
		{"br", func(b []byte) []byte {
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			bw.Write(b)
			bw.Close()
			return buf.Bytes()
		}},
	}
	payload := []byte("#EXTM3U\n#EXTINF:4,\nsegment0.ts\n")
	for _, tc := range cases {
		resp := &http.Response{
			Header: http.Header{},
			Body:   io.NopCloser(bytes.NewReader(tc.encode(payload))),
		}
		if tc.encoding != "" {
			resp.Header.Set("Content-Encoding", tc.encoding)
		}
		r, err := DecodeBody(resp)
		if err != nil {
			t.Fatalf("%q: %v", tc.encoding, err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("%q: read: %v", tc.encoding, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("%q: got %q", tc.encoding, got)
		}
	}
}
