package proxy

import (
	"net"
	"net/http"
	"strings"

	"github.com/wudi/zgw-gateway/internal/rewrite"
)

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders removes the hop-by-hop headers and the headers listed in
// Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Request headers never forwarded. Backend credentials replace the
// client's, and the backend client negotiates its own encodings.
var droppedRequestHeaders = []string{
	"Content-Length",
	"Host",
	"Authorization",
	"Accept-Encoding",
}

// Response headers carrying URLs.
var urlResponseHeaders = []string{
	"Location",
	"Content-Location",
	"Link",
}

// outboundRequest builds the backend request for the inbound request.
func (c *dispatch) outboundRequest() (*http.Request, error) {
	in := c.r
	query := rewrite.String(c.rules.Outbound, in.URL.RawQuery)
	remote, err := c.target.RemoteURL(in.URL.EscapedPath(), query)
	if err != nil {
		return nil, err
	}

	ctx := in.Context()
	out, err := http.NewRequestWithContext(ctx, in.Method, remote.String(), nil)
	if err != nil {
		return nil, err
	}

	out.Header = make(http.Header, len(in.Header)+3)
	for k, vv := range in.Header {
		rewritten := make([]string, len(vv))
		for i, v := range vv {
			rewritten[i] = rewrite.String(c.rules.Outbound, v)
		}
		out.Header[k] = rewritten
	}
	removeHopHeaders(out.Header)
	for _, name := range droppedRequestHeaders {
		out.Header.Del(name)
	}

	if hasBody(in) {
		if encoded(in.Header) {
			// Compressed request bodies cannot be rewritten byte-wise.
			out.Body = in.Body
			out.ContentLength = in.ContentLength
		} else {
			out.Body = rewrite.NewReader(ctx, in.Body, c.rules.Outbound)
			out.ContentLength = -1
		}
	}

	setForwarded(out.Header, in)
	return out, nil
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

func encoded(h http.Header) bool {
	ce := h.Get("Content-Encoding")
	return ce != "" && !strings.EqualFold(ce, "identity")
}

// setForwarded sets the X-Forwarded headers for the inbound request.
func setForwarded(h http.Header, in *http.Request) {
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			h.Set("X-Forwarded-For", ip)
		}
	}

	if in.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else if h.Get("X-Forwarded-Proto") == "" {
		h.Set("X-Forwarded-Proto", "http")
	}
	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", in.Host)
	}
}

// copyResponseHeaders copies the backend response headers to the client
// response. Content-Length is dropped unless the body is sent untouched.
func (c *dispatch) copyResponseHeaders(src http.Header, raw bool) {
	dst := c.w.Header()
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
	if raw {
		return
	}

	dst.Del("Content-Length")
	for _, name := range urlResponseHeaders {
		vv := dst[name]
		for i, v := range vv {
			vv[i] = rewrite.String(c.rules.Inbound, v)
		}
	}
}
