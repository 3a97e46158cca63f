package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// cacheBustingParam is stripped from cache keys
const cacheBustingParam = "v"

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// originOf renders scheme://host[:port], omitting the default port.
// blob: URLs carry the origin of the URL they wrap.
func originOf(u *url.URL) string {
	if u.Scheme == "blob" && u.Opaque != "" {
		if inner, err := url.Parse(u.Opaque); err == nil {
			return originOf(inner)
		}
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || port == defaultPorts[scheme] {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

// targetURL returns the absolute URL of a request. Requests received by a
// server carry only a path, their origin comes from Host and TLS.
func targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	u := *r.URL
	u.Scheme = scheme
	u.Host = r.Host
	return &u
}

// outgoing returns a request the network can send: absolute URL and no
// server-side RequestURI
func outgoing(r *http.Request) *http.Request {
	if r.URL.IsAbs() && r.RequestURI == "" {
		return r
	}
	out := r.Clone(r.Context())
	out.URL = targetURL(r)
	out.RequestURI = ""
	return out
}

// isDocument reports whether the request asks for an HTML page
func isDocument(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Dest") == "document" {
		return true
	}
	accept := strings.Join(r.Header.Values("Accept"), ", ")
	return strings.Contains(accept, "text/html")
}

// cacheKeyFor builds the request a response is cached under: same origin
// only, path and query without the cache-busting parameter, GET. It returns
// nil for cross-origin requests.
func (w *Worker) cacheKeyFor(ctx context.Context, r *http.Request) *http.Request {
	u := targetURL(r)
	if originOf(u) != w.origin {
		return nil
	}

	key := &url.URL{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: stripParam(u.RawQuery, cacheBustingParam),
	}

	keyReq, err := http.NewRequestWithContext(ctx, http.MethodGet, key.String(), nil)
	if err != nil {
		return nil
	}
	keyReq.Header = r.Header.Clone()
	return keyReq
}

// stripParam removes every occurrence of name from a raw query, keeping the
// order and encoding of the other parameters
func stripParam(rawQuery, name string) string {
	if rawQuery == "" {
		return ""
	}
	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		k, _, _ := strings.Cut(pair, "=")
		if decoded, err := url.QueryUnescape(k); err == nil {
			k = decoded
		}
		if k == name {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

// cloneResponse buffers the body of resp and returns an independent copy.
// resp stays readable.
func cloneResponse(resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	clone := *resp
	clone.Header = resp.Header.Clone()
	clone.Trailer = resp.Trailer.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return &clone, nil
}
