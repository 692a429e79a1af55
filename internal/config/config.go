package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Protocol tags accepted on a route.
const (
	ProtocolHTTP      = "http"
	ProtocolWebSocket = "websocket"
	ProtocolFTP       = "ftp"
	ProtocolDNS       = "dns"
)

// Load balancing strategy tags. The set is closed; components dispatch on
// the tag rather than through an interface table.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyLeastConnections = "least_connections"
	StrategyRandom           = "random"
	StrategyWeighted         = "weighted"
	StrategyIPHash           = "ip_hash"
)

// Rate limiting algorithm tags.
const (
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmFixedWindow   = "fixed_window"
)

// DefaultRetryBufferLimit is the largest request body buffered for retry.
const DefaultRetryBufferLimit = 1 << 20 // 1 MiB

// Settings is the complete gateway configuration as loaded from disk.
type Settings struct {
	Version          int                     `json:"version" yaml:"version"`
	JWT              *JWTSettings            `json:"jwt,omitempty" yaml:"jwt,omitempty"`
	RateLimit        *RateLimitSettings      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	CircuitBreaker   *CircuitBreakerSettings `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	RetryBufferLimit int64                   `json:"retry_buffer_limit,omitempty" yaml:"retry_buffer_limit,omitempty"`
	Routers          []Route                 `json:"routers" yaml:"routers"`
}

// CircuitBreakerSettings tune the per-(route, backend) breakers.
type CircuitBreakerSettings struct {
	FailureThreshold    int     `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	OpenDurationSeconds float64 `json:"open_duration_seconds,omitempty" yaml:"open_duration_seconds,omitempty"`
}

// OpenDuration returns the configured open duration, or zero when unset
// so the breaker default applies.
func (c *CircuitBreakerSettings) OpenDuration() time.Duration {
	if c.OpenDurationSeconds <= 0 {
		return 0
	}
	return time.Duration(c.OpenDurationSeconds * float64(time.Second))
}

// JWTSettings configures bearer token validation.
type JWTSettings struct {
	Secret         string   `json:"secret" yaml:"secret"`
	Algorithm      string   `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	Issuer         string   `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Audience       string   `json:"audience,omitempty" yaml:"audience,omitempty"`
	RequiredClaims []string `json:"required_claims,omitempty" yaml:"required_claims,omitempty"`
}

// RateLimitSettings configures an admission algorithm, either globally or
// per route.
type RateLimitSettings struct {
	Algorithm         string  `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size,omitempty" yaml:"burst_size,omitempty"`
	WindowDuration    float64 `json:"window_duration,omitempty" yaml:"window_duration,omitempty"`
	Key               string  `json:"key,omitempty" yaml:"key,omitempty"` // "ip" (default) or "header:<name>"
}

// Window returns the limiting window as a duration. Defaults to one second.
func (r *RateLimitSettings) Window() time.Duration {
	if r.WindowDuration <= 0 {
		return time.Second
	}
	return time.Duration(r.WindowDuration * float64(time.Second))
}

// MaxRequests returns the request budget for one window.
func (r *RateLimitSettings) MaxRequests() int {
	n := int(r.RequestsPerSecond * r.Window().Seconds())
	if n < 1 {
		n = 1
	}
	return n
}

// Burst returns the burst capacity, defaulting to the window budget.
func (r *RateLimitSettings) Burst() int {
	if r.BurstSize > 0 {
		return r.BurstSize
	}
	return r.MaxRequests()
}

// Fingerprint identifies the policy so per-key state can survive config
// swaps that do not change the policy.
func (r *RateLimitSettings) Fingerprint() string {
	return fmt.Sprintf("%s|%g|%d|%g|%s", r.Algorithm, r.RequestsPerSecond, r.BurstSize, r.WindowDuration, r.Key)
}

// RetrySettings configures retry with exponential backoff.
type RetrySettings struct {
	MaxRetries             int     `json:"max_retries" yaml:"max_retries"`
	InitialBackoffMs       int64   `json:"initial_backoff_ms,omitempty" yaml:"initial_backoff_ms,omitempty"`
	MaxBackoffMs           int64   `json:"max_backoff_ms,omitempty" yaml:"max_backoff_ms,omitempty"`
	BackoffMultiplier      float64 `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
	RetryOnStatusCodes     []int   `json:"retry_on_status_codes,omitempty" yaml:"retry_on_status_codes,omitempty"`
	RetryOnConnectionError *bool   `json:"retry_on_connection_error,omitempty" yaml:"retry_on_connection_error,omitempty"`
}

// InitialBackoff returns the first backoff delay.
func (r *RetrySettings) InitialBackoff() time.Duration {
	if r.InitialBackoffMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff ceiling.
func (r *RetrySettings) MaxBackoff() time.Duration {
	if r.MaxBackoffMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// Multiplier returns the exponential growth factor.
func (r *RetrySettings) Multiplier() float64 {
	if r.BackoffMultiplier <= 0 {
		return 2.0
	}
	return r.BackoffMultiplier
}

// StatusCodes returns the retryable status set.
func (r *RetrySettings) StatusCodes() []int {
	if len(r.RetryOnStatusCodes) == 0 {
		return []int{502, 503, 504}
	}
	return r.RetryOnStatusCodes
}

// OnConnectionError reports whether transport errors trigger retries.
func (r *RetrySettings) OnConnectionError() bool {
	if r.RetryOnConnectionError == nil {
		return true
	}
	return *r.RetryOnConnectionError
}

// Backend is a single upstream endpoint in a route's pool.
type Backend struct {
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	Weight          int    `json:"weight,omitempty" yaml:"weight,omitempty"`
	HealthCheckPath string `json:"health_check_path,omitempty" yaml:"health_check_path,omitempty"`
}

// URL returns the backend's base URL (scheme, authority, port).
func (b Backend) URL() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Scheme returns the URL scheme of the backend host.
func (b Backend) Scheme() string {
	if i := strings.Index(b.Host, "://"); i > 0 {
		return b.Host[:i]
	}
	return ""
}

// EffectiveWeight returns the configured weight, defaulting to 1.
func (b Backend) EffectiveWeight() int {
	if b.Weight < 1 {
		return 1
	}
	return b.Weight
}

// HeaderTransformation is one ordered header rewrite rule.
// Action is add, set, remove, or replace.
type HeaderTransformation struct {
	Action      string `json:"action" yaml:"action"`
	Name        string `json:"name" yaml:"name"`
	Value       string `json:"value,omitempty" yaml:"value,omitempty"`
	Pattern     string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty" yaml:"replacement,omitempty"`
}

// PathTransformation rewrites the request path with a regex.
type PathTransformation struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Replacement string `json:"replacement" yaml:"replacement"`
}

// QueryTransformation is one query parameter rewrite rule.
// Action is add, set, or remove.
type QueryTransformation struct {
	Action string `json:"action" yaml:"action"`
	Name   string `json:"name" yaml:"name"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
}

// StatusCodeMapping remaps one response status to another. An empty
// condition applies unconditionally; "path == '<literal>'" restricts the
// mapping to one request path.
type StatusCodeMapping struct {
	From      int    `json:"from" yaml:"from"`
	To        int    `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// RequestTransformation rewrites a request before forwarding.
type RequestTransformation struct {
	Headers     []HeaderTransformation `json:"headers,omitempty" yaml:"headers,omitempty"`
	Path        *PathTransformation    `json:"path,omitempty" yaml:"path,omitempty"`
	QueryParams []QueryTransformation  `json:"query_params,omitempty" yaml:"query_params,omitempty"`
}

// ResponseTransformation rewrites a response before returning it.
type ResponseTransformation struct {
	Headers            []HeaderTransformation `json:"headers,omitempty" yaml:"headers,omitempty"`
	StatusCodeMappings []StatusCodeMapping    `json:"status_code_mappings,omitempty" yaml:"status_code_mappings,omitempty"`
}

// Route maps an external path pattern to a pool of backends with policies.
type Route struct {
	ExternalPath           string                  `json:"external_path" yaml:"external_path"`
	InternalPath           string                  `json:"internal_path" yaml:"internal_path"`
	Methods                []string                `json:"methods" yaml:"methods"`
	Protocol               string                  `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	AuthRequired           bool                    `json:"auth_required,omitempty" yaml:"auth_required,omitempty"`
	Backends               []Backend               `json:"backends" yaml:"backends"`
	LoadBalancingStrategy  string                  `json:"load_balancing_strategy,omitempty" yaml:"load_balancing_strategy,omitempty"`
	Retry                  *RetrySettings          `json:"retry,omitempty" yaml:"retry,omitempty"`
	RateLimit              *RateLimitSettings      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	RequestTransformation  *RequestTransformation  `json:"request_transformation,omitempty" yaml:"request_transformation,omitempty"`
	ResponseTransformation *ResponseTransformation `json:"response_transformation,omitempty" yaml:"response_transformation,omitempty"`
	TimeoutMs              int64                   `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// ID identifies the route for keyed state (circuit breakers, rate-limit
// buckets). Two routes may share an external path with disjoint method
// sets, so the method set is part of the identity.
func (r *Route) ID() string {
	methods := make([]string, len(r.Methods))
	for i, m := range r.Methods {
		methods[i] = strings.ToUpper(m)
	}
	sort.Strings(methods)
	return r.ExternalPath + "#" + strings.Join(methods, ",")
}

// EffectiveProtocol returns the protocol tag, defaulting to http.
func (r *Route) EffectiveProtocol() string {
	if r.Protocol == "" {
		return ProtocolHTTP
	}
	return strings.ToLower(r.Protocol)
}

// EffectiveStrategy returns the load balancing strategy tag, defaulting to
// round robin.
func (r *Route) EffectiveStrategy() string {
	if r.LoadBalancingStrategy == "" {
		return StrategyRoundRobin
	}
	return strings.ToLower(r.LoadBalancingStrategy)
}

// Timeout returns the per-request deadline for this route.
func (r *Route) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// AllowsMethod reports whether the method is permitted on this route.
func (r *Route) AllowsMethod(method string) bool {
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// BufferLimit returns the retry body-buffering limit in bytes.
func (s *Settings) BufferLimit() int64 {
	if s.RetryBufferLimit <= 0 {
		return DefaultRetryBufferLimit
	}
	return s.RetryBufferLimit
}

// LimitFor returns the rate-limit policy in effect for a route: the
// route's own policy, else the global one, else nil.
func (s *Settings) LimitFor(route *Route) *RateLimitSettings {
	if route.RateLimit != nil {
		return route.RateLimit
	}
	return s.RateLimit
}

// Clone returns a deep copy of the settings so mutations can be validated
// without touching the active snapshot.
func (s *Settings) Clone() *Settings {
	out := &Settings{
		Version:          s.Version,
		RetryBufferLimit: s.RetryBufferLimit,
	}
	if s.JWT != nil {
		jwt := *s.JWT
		jwt.RequiredClaims = append([]string(nil), s.JWT.RequiredClaims...)
		out.JWT = &jwt
	}
	if s.RateLimit != nil {
		rl := *s.RateLimit
		out.RateLimit = &rl
	}
	if s.CircuitBreaker != nil {
		cb := *s.CircuitBreaker
		out.CircuitBreaker = &cb
	}
	out.Routers = make([]Route, len(s.Routers))
	for i := range s.Routers {
		out.Routers[i] = cloneRoute(&s.Routers[i])
	}
	return out
}

func cloneRoute(r *Route) Route {
	out := *r
	out.Methods = append([]string(nil), r.Methods...)
	out.Backends = append([]Backend(nil), r.Backends...)
	if r.Retry != nil {
		retry := *r.Retry
		retry.RetryOnStatusCodes = append([]int(nil), r.Retry.RetryOnStatusCodes...)
		out.Retry = &retry
	}
	if r.RateLimit != nil {
		rl := *r.RateLimit
		out.RateLimit = &rl
	}
	if r.RequestTransformation != nil {
		rt := RequestTransformation{
			Headers:     append([]HeaderTransformation(nil), r.RequestTransformation.Headers...),
			QueryParams: append([]QueryTransformation(nil), r.RequestTransformation.QueryParams...),
		}
		if r.RequestTransformation.Path != nil {
			p := *r.RequestTransformation.Path
			rt.Path = &p
		}
		out.RequestTransformation = &rt
	}
	if r.ResponseTransformation != nil {
		rt := ResponseTransformation{
			Headers:            append([]HeaderTransformation(nil), r.ResponseTransformation.Headers...),
			StatusCodeMappings: append([]StatusCodeMapping(nil), r.ResponseTransformation.StatusCodeMappings...),
		}
		out.ResponseTransformation = &rt
	}
	return out
}
