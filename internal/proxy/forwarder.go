package proxy

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

// requestHopByHop are headers stripped from the inbound request before
// forwarding upstream, per design doc Sec 6: "host", "content-length",
// "x-target-url".
var requestHopByHop = map[string]bool{
	"Host":           true,
	"Content-Length": true,
	"X-Target-Url":   true,
}

// responseHopByHop are headers stripped from the upstream response
// before returning it to the client, per design doc Sec 6:
// "content-encoding", "transfer-encoding".
var responseHopByHop = map[string]bool{
	"Content-Encoding":  true,
	"Transfer-Encoding": true,
}

// forwardRequest sends body to upstream, preserving the inbound
// request's method and forwarding headers minus the hop-by-hop set.
// It inherits r's context so upstream forwarding cancels with the
// inbound request, per design doc Sec 5.
func forwardRequest(client *http.Client, upstream string, r *http.Request, body []byte) (*http.Response, error) {
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstream, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	copyRequestHeaders(upstreamReq.Header, r.Header)
	upstreamReq.ContentLength = int64(len(body))

	resp, err := client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("forwarding to upstream %s: %w", upstream, err)
	}
	return resp, nil
}

func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		if requestHopByHop[key] || strings.EqualFold(key, "X-Target-URL") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// copyResponseHeaders copies upstream response headers to the client
// response writer, stripping content-encoding and transfer-encoding.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if responseHopByHop[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
