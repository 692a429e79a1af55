package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kairos-proxy/kairos/internal/circuitbreaker"
	"github.com/kairos-proxy/kairos/internal/config"
	"github.com/kairos-proxy/kairos/internal/errors"
	"github.com/kairos-proxy/kairos/internal/loadbalancer"
	"github.com/kairos-proxy/kairos/internal/logging"
	"github.com/kairos-proxy/kairos/internal/metrics"
	"github.com/kairos-proxy/kairos/internal/middleware"
	"github.com/kairos-proxy/kairos/internal/proxy"
	"github.com/kairos-proxy/kairos/internal/ratelimit"
	"github.com/kairos-proxy/kairos/internal/transform"
	"github.com/kairos-proxy/kairos/internal/websocket"
)

// Gateway is the request pipeline: snapshot, match, rate limit, auth,
// transform, select, dispatch with retry, stream back.
type Gateway struct {
	store     *config.Store
	breakers  *circuitbreaker.Registry
	limiters  *ratelimit.Registry
	forwarder *proxy.Forwarder
	wsProxy   *websocket.Proxy
	collector *metrics.Collector

	active atomic.Pointer[runtime]
}

// New wires the gateway against a config store. The store's current
// snapshot becomes the first runtime; later publications swap it
// atomically.
func New(store *config.Store, collector *metrics.Collector) (*Gateway, error) {
	breakerThreshold := 0
	breakerOpen := time.Duration(0)
	if cb := store.Snapshot().CircuitBreaker; cb != nil {
		breakerThreshold = cb.FailureThreshold
		breakerOpen = cb.OpenDuration()
	}

	g := &Gateway{
		store:     store,
		breakers:  circuitbreaker.NewRegistry(breakerThreshold, breakerOpen),
		limiters:  ratelimit.NewRegistry(),
		forwarder: proxy.NewForwarder(nil),
		collector: collector,
	}
	g.wsProxy = websocket.NewProxy(collector.WebSocketOpened, collector.WebSocketClosed)

	rt, err := g.buildRuntime(store.Snapshot())
	if err != nil {
		return nil, err
	}
	g.active.Store(rt)

	store.Subscribe(func(settings *config.Settings) {
		next, err := g.buildRuntime(settings)
		if err != nil {
			// Validation precedes publication, so a compile failure here
			// indicates a matcher bug rather than bad config.
			logging.Error("runtime rebuild failed, keeping previous table", zap.Error(err))
			return
		}
		prev := g.active.Swap(next)
		if prev != nil {
			prev.checker.Stop()
		}
		logging.Info("route table swapped",
			zap.Int("static_routes", next.matcher.StaticCount()),
			zap.Int("dynamic_routes", next.matcher.DynamicCount()),
		)
	})

	return g, nil
}

// Breakers exposes the breaker registry for the admin API.
func (g *Gateway) Breakers() *circuitbreaker.Registry {
	return g.breakers
}

// Handler returns the gateway wrapped in its outer middleware chain.
func (g *Gateway) Handler() http.Handler {
	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog("/health", "/ready", "/live", "/metrics"),
	)
	return chain.Then(g)
}

// ServeHTTP runs the admission pipeline for one request. All steps are
// strictly ordered: match, rate limit, auth, transform, select, dispatch.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := g.active.Load()
	start := time.Now()

	match, matchErr := rt.matcher.Match(r.Method, r.URL.Path)
	if matchErr != nil {
		g.writeError(w, r, matchErr)
		g.collector.RecordRequest("unmatched", r.Method, matchErr.Status, time.Since(start))
		return
	}

	pl := rt.pipelineFor(match.Route)
	clientIP := ratelimit.ClientIP(r)

	// Rate limit admission (for a WebSocket route this runs once, on the
	// handshake)
	if pl.limiter != nil {
		decision := pl.limiter.Check(pl.limiter.Key(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds() + 0.999)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			g.collector.RecordRateLimited(pl.id)
			g.writeError(w, r, errors.ErrRateLimited)
			g.collector.RecordRequest(pl.id, r.Method, http.StatusTooManyRequests, time.Since(start))
			return
		}
	}

	// Authentication
	if match.Route.AuthRequired {
		if rt.validator == nil {
			g.writeError(w, r, errors.ErrInternal.WithMessage("auth required but no JWT settings configured"))
			return
		}
		if _, authErr := rt.validator.Authenticate(r); authErr != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="kairos"`)
			g.writeError(w, r, authErr)
			g.collector.RecordRequest(pl.id, r.Method, authErr.Status, time.Since(start))
			return
		}
	}

	switch match.Route.EffectiveProtocol() {
	case config.ProtocolWebSocket:
		g.serveWebSocket(w, r, pl, match.InternalPath, clientIP)
	case config.ProtocolHTTP:
		status := g.forwardHTTP(w, r, rt, pl, match.InternalPath, clientIP)
		g.collector.RecordRequest(pl.id, r.Method, status, time.Since(start))
	default:
		// FTP and DNS adapters are external collaborators; their routes
		// validate but are not served on this listener.
		g.writeError(w, r, errors.ErrProtocolUnsupported)
		g.collector.RecordRequest(pl.id, r.Method, http.StatusNotImplemented, time.Since(start))
	}
}

// forwardHTTP runs transform, balancer, breaker, retry, and streaming for
// one HTTP request. Returns the status sent to the client.
func (g *Gateway) forwardHTTP(w http.ResponseWriter, r *http.Request, rt *runtime, pl *routePipeline, internalPath string, clientIP string) int {
	route := pl.route
	policy := pl.retryPolicy

	// Transform: path regex after placeholder substitution, then query,
	// then headers.
	path := pl.reqTransform.TransformPath(internalPath)

	rawQuery := r.URL.RawQuery
	if pl.reqTransform.HasQueryRules() {
		query := r.URL.Query()
		pl.reqTransform.TransformQuery(query)
		rawQuery = query.Encode()
	}

	header := make(http.Header, len(r.Header))
	for k, vv := range r.Header {
		header[k] = vv
	}
	pl.reqTransform.TransformHeaders(header)

	// Body buffering: only when retry is enabled and the body fits the
	// limit. Oversized bodies forward once with a logged warning.
	var bodyBytes []byte
	maxAttempts := 0
	if policy.Enabled() && r.Body != nil && r.Body != http.NoBody {
		limit := rt.settings.BufferLimit()
		if r.ContentLength > limit {
			maxAttempts = 1
			logging.Warn("request body exceeds retry buffer limit, retries skipped",
				zap.String("route", pl.id),
				zap.Int64("content_length", r.ContentLength),
				zap.Int64("limit", limit),
			)
		} else {
			buffered, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
			if err != nil {
				g.writeError(w, r, errors.ErrUpstreamTransport.WithMessage("failed to read request body"))
				return http.StatusBadGateway
			}
			if int64(len(buffered)) > limit {
				maxAttempts = 1
				logging.Warn("request body exceeds retry buffer limit, retries skipped",
					zap.String("route", pl.id),
					zap.Int64("limit", limit),
				)
				r.Body = struct {
					io.Reader
					io.Closer
				}{io.MultiReader(bytes.NewReader(buffered), r.Body), r.Body}
			} else {
				bodyBytes = buffered
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), route.Timeout())
	defer cancel()

	spec := &proxy.OutboundSpec{
		Method:        r.Method,
		Path:          path,
		RawQuery:      rawQuery,
		Header:        header,
		ContentLength: r.ContentLength,
		ClientIP:      clientIP,
		ClientHost:    r.Host,
		ClientTLS:     r.TLS != nil,
	}

	resp, err := policy.Execute(ctx, maxAttempts, func(n int) (*http.Response, bool, error) {
		if n > 0 {
			g.collector.RecordRetry(pl.id)
		}

		backend := pl.balancer.Select(clientIP)
		breaker := g.breakers.Get(pl.id, backend.URL)
		if !breaker.Allow() {
			// Rejected by the breaker; a later attempt may land on an
			// eligible backend.
			return nil, true, errors.ErrCircuitOpen
		}

		attemptSpec := *spec
		switch {
		case bodyBytes != nil:
			attemptSpec.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			attemptSpec.ContentLength = int64(len(bodyBytes))
		case n == 0:
			attemptSpec.Body = r.Body
		}

		req := proxy.BuildRequest(ctx, backend, &attemptSpec)

		backend.IncrActive()
		defer backend.DecrActive()

		resp, rtErr := g.forwarder.RoundTrip(req)
		if rtErr != nil {
			breaker.RecordFailure()
			g.recordBreakerState(pl.id, backend)
			ge := proxy.Classify(rtErr)
			g.collector.RecordUpstreamError(pl.id, ge.Code)
			return nil, policy.RetryOnConnError(), ge
		}

		if policy.RetryableStatus(resp.StatusCode) {
			breaker.RecordFailure()
			g.recordBreakerState(pl.id, backend)
			return resp, true, nil
		}

		breaker.RecordSuccess()
		g.recordBreakerState(pl.id, backend)
		return resp, false, nil
	})

	if err != nil {
		ge, ok := errors.AsGatewayError(err)
		if !ok {
			if ctx.Err() != nil {
				ge = errors.ErrUpstreamTimeout
			} else {
				ge = errors.ErrUpstreamTransport
			}
		}
		g.writeError(w, r, ge)
		return ge.Status
	}
	defer resp.Body.Close()

	// Response transformation: status mapping first, then headers.
	status := pl.respTransform.MapStatus(resp.StatusCode, r.URL.Path)

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	transform.StripHopByHop(dst)
	pl.respTransform.TransformHeaders(dst)

	w.WriteHeader(status)
	g.forwarder.CopyResponse(w, resp.Body)
	return status
}

// serveWebSocket splices one WebSocket session. The backend is chosen
// once; the breaker contributes at handshake time only.
func (g *Gateway) serveWebSocket(w http.ResponseWriter, r *http.Request, pl *routePipeline, internalPath string, clientIP string) {
	if !websocket.IsUpgradeRequest(r) {
		g.writeError(w, r, errors.ErrMethodNotAllowed.WithMessage("route requires a WebSocket upgrade"))
		return
	}

	backend := pl.balancer.Select(clientIP)
	breaker := g.breakers.Get(pl.id, backend.URL)
	if !breaker.Allow() {
		g.writeError(w, r, errors.ErrCircuitOpen)
		return
	}

	path := pl.reqTransform.TransformPath(internalPath)

	backend.IncrActive()
	defer backend.DecrActive()

	if g.wsProxy.ServeHTTP(w, r, backend.URL, path) {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
	g.recordBreakerState(pl.id, backend)
}

// writeError sends a taxonomy error with the request's correlation id.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, ge *errors.GatewayError) {
	if reqID := middleware.GetRequestID(r); reqID != "" && ge.RequestID == "" {
		ge = ge.WithRequestID(reqID)
	}
	ge.WriteJSON(w)
}

func (g *Gateway) recordBreakerState(routeID string, backend *loadbalancer.Backend) {
	if breaker := g.breakers.Peek(routeID, backend.URL); breaker != nil {
		g.collector.RecordBreakerState(routeID, backend.URL, int(breaker.State()))
	}
}
