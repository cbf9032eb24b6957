package swcache

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// network performs the real fetches on behalf of workers.
type network struct {
	client *http.Client
	origin *url.URL
}

// hopHeaders are never forwarded to the origin.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var errCrossOrigin = errors.New("request is not addressed to the origin")

// isSameOrigin reports whether r targets the configured origin. Requests in
// origin-form (the usual case for a server) are always same-origin.
func (n *network) isSameOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	return strings.EqualFold(r.URL.Scheme, n.origin.Scheme) && strings.EqualFold(r.URL.Host, n.origin.Host)
}

// targetURL maps r onto the origin. Nothing is ever fetched from another host.
func (n *network) targetURL(r *http.Request) (string, error) {
	if !n.isSameOrigin(r) {
		return "", errCrossOrigin
	}
	return n.origin.String() + r.URL.RequestURI(), nil
}

// fetch forwards r to the network and buffers the response. Only transport
// failures are errors; any HTTP status is a successful fetch.
func (n *network) fetch(ctx context.Context, r *http.Request, extra http.Header) (CacheEntry, error) {
	target, err := n.targetURL(r)
	if err != nil {
		return CacheEntry{}, err
	}
	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return CacheEntry{}, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, r.Header)
	for k, vs := range extra {
		req.Header[k] = vs
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		URL:      target,
		Type:     ResponseBasic,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
