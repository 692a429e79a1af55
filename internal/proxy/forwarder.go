package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/kairos-proxy/kairos/internal/errors"
	"github.com/kairos-proxy/kairos/internal/loadbalancer"
	"github.com/kairos-proxy/kairos/internal/transform"
)

// Forwarder performs the outbound call and streams the response. Request
// and response bodies are never buffered here; back-pressure propagates
// through the streaming copies.
type Forwarder struct {
	transport     http.RoundTripper
	flushInterval int64 // bytes between flushes; 0 disables periodic flushing
}

// NewForwarder creates a forwarder over a pooled transport.
func NewForwarder(transport http.RoundTripper) *Forwarder {
	if transport == nil {
		transport = DefaultTransport()
	}
	return &Forwarder{
		transport:     transport,
		flushInterval: 32 * 1024,
	}
}

// OutboundSpec describes one upstream request attempt.
type OutboundSpec struct {
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header // already transformed; BuildRequest strips hop-by-hop headers
	Body          io.ReadCloser
	ContentLength int64
	ClientIP      string
	ClientHost    string // original Host header from the client
	ClientTLS     bool
}

// BuildRequest constructs the upstream request for one backend. The
// request URL is assembled directly to avoid a String/Parse round-trip.
// Host is set to the backend's authority; X-Forwarded-For is appended,
// X-Forwarded-Proto and X-Forwarded-Host reflect the client connection.
func BuildRequest(ctx context.Context, backend *loadbalancer.Backend, spec *OutboundSpec) *http.Request {
	target := backend.ParsedURL
	if target == nil {
		target, _ = url.Parse(backend.URL)
	}

	outURL := &url.URL{
		Scheme:   target.Scheme,
		Host:     target.Host,
		Path:     singleJoiningSlash(target.Path, spec.Path),
		RawQuery: spec.RawQuery,
	}

	req := (&http.Request{
		Method:        spec.Method,
		URL:           outURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          spec.Body,
		ContentLength: spec.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	req.Header = make(http.Header, len(spec.Header)+3)
	for k, vv := range spec.Header {
		req.Header[k] = vv
	}

	if spec.ClientIP != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+spec.ClientIP)
		} else {
			req.Header.Set("X-Forwarded-For", spec.ClientIP)
		}
	}
	if spec.ClientTLS {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	if spec.ClientHost != "" {
		req.Header.Set("X-Forwarded-Host", spec.ClientHost)
	}

	transform.StripHopByHop(req.Header)

	return req
}

// RoundTrip performs the upstream call.
func (f *Forwarder) RoundTrip(req *http.Request) (*http.Response, error) {
	return f.transport.RoundTrip(req)
}

// Classify maps a transport error onto the upstream error taxonomy.
func Classify(err error) *errors.GatewayError {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrUpstreamTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.ErrUpstreamTimeout
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) && opErr.Op == "dial" {
		return errors.ErrUpstreamConnection
	}
	return errors.ErrUpstreamTransport
}

// CopyResponse streams the upstream body to the client, flushing
// periodically so slow streams make progress. The copy window is small;
// a slow client pauses backend reads and vice versa.
func (f *Forwarder) CopyResponse(w http.ResponseWriter, body io.Reader) {
	flusher, ok := w.(http.Flusher)
	if !ok || f.flushInterval <= 0 {
		io.Copy(w, body)
		return
	}
	for {
		if _, err := io.CopyN(w, body, f.flushInterval); err != nil {
			return
		}
		flusher.Flush()
	}
}

// singleJoiningSlash joins two URL paths with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && a != "":
		return a + "/" + b
	}
	return a + b
}
