package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Violation is a single failed validation rule. RouteIndex is -1 for
// violations of global settings.
type Violation struct {
	RouteIndex int    `json:"route_index"`
	Rule       string `json:"rule"`
	Detail     string `json:"detail"`
}

// ValidationError carries every rule that failed for a candidate config.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		if v.RouteIndex >= 0 {
			parts[i] = fmt.Sprintf("route %d: %s (%s)", v.RouteIndex, v.Rule, v.Detail)
		} else {
			parts[i] = fmt.Sprintf("%s (%s)", v.Rule, v.Detail)
		}
	}
	return "config validation failed: " + strings.Join(parts, "; ")
}

var (
	placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	braceRe       = regexp.MustCompile(`\{[^}]*\}?`)
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, "PATCH": true, "TRACE": true,
}

var validProtocols = map[string]bool{
	ProtocolHTTP: true, ProtocolWebSocket: true, ProtocolFTP: true, ProtocolDNS: true,
}

var validStrategies = map[string]bool{
	StrategyRoundRobin: true, StrategyLeastConnections: true,
	StrategyRandom: true, StrategyWeighted: true, StrategyIPHash: true,
}

var validAlgorithms = map[string]bool{
	AlgorithmTokenBucket: true, AlgorithmSlidingWindow: true, AlgorithmFixedWindow: true,
}

var validActions = map[string]bool{
	"add": true, "set": true, "remove": true, "replace": true,
}

// Validate checks the whole candidate configuration and returns a
// *ValidationError listing every failed rule, or nil. An invalid candidate
// must never be published.
func Validate(s *Settings) error {
	var violations []Violation
	add := func(routeIdx int, rule, format string, args ...any) {
		violations = append(violations, Violation{
			RouteIndex: routeIdx,
			Rule:       rule,
			Detail:     fmt.Sprintf(format, args...),
		})
	}

	if s.Version != 1 {
		add(-1, "version", "unsupported config version %d, expected 1", s.Version)
	}

	authRequired := false
	for i := range s.Routers {
		if s.Routers[i].AuthRequired {
			authRequired = true
			break
		}
	}
	if authRequired && s.JWT == nil {
		add(-1, "jwt_required", "jwt settings are required when a route has auth_required=true")
	}
	if s.JWT != nil {
		if len(s.JWT.Secret) < 32 {
			add(-1, "jwt_secret_length", "jwt secret must be at least 32 bytes, got %d", len(s.JWT.Secret))
		}
		switch s.JWT.Algorithm {
		case "", "HS256", "HS384", "HS512":
		default:
			add(-1, "jwt_algorithm", "unsupported jwt algorithm %q", s.JWT.Algorithm)
		}
	}
	if s.RateLimit != nil {
		validateRateLimit(s.RateLimit, -1, add)
	}
	if s.CircuitBreaker != nil {
		if s.CircuitBreaker.FailureThreshold < 0 {
			add(-1, "circuit_breaker_threshold", "failure_threshold must not be negative")
		}
		if s.CircuitBreaker.OpenDurationSeconds < 0 {
			add(-1, "circuit_breaker_open_duration", "open_duration_seconds must not be negative")
		}
	}
	if s.RetryBufferLimit < 0 {
		add(-1, "retry_buffer_limit", "retry_buffer_limit must not be negative")
	}

	for i := range s.Routers {
		validateRoute(&s.Routers[i], i, add)
	}

	validateDuplicates(s.Routers, add)

	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

func validateRoute(r *Route, idx int, add func(int, string, string, ...any)) {
	if !strings.HasPrefix(r.ExternalPath, "/") {
		add(idx, "external_path_format", "external path must start with '/': %q", r.ExternalPath)
	}
	if !strings.HasPrefix(r.InternalPath, "/") {
		add(idx, "internal_path_format", "internal path must start with '/': %q", r.InternalPath)
	}

	externalParams, ok := validatePlaceholders(r.ExternalPath)
	if !ok {
		add(idx, "external_path_placeholders", "malformed placeholder in %q", r.ExternalPath)
	}
	internalParams, ok := validatePlaceholders(r.InternalPath)
	if !ok {
		add(idx, "internal_path_placeholders", "malformed placeholder in %q", r.InternalPath)
	}
	for name := range internalParams {
		if _, present := externalParams[name]; !present {
			add(idx, "placeholder_binding", "internal placeholder {%s} does not appear in external path", name)
		}
	}

	if len(r.Methods) == 0 {
		add(idx, "methods_empty", "at least one HTTP method must be specified")
	}
	for _, m := range r.Methods {
		if !validMethods[strings.ToUpper(m)] {
			add(idx, "methods_invalid", "invalid HTTP method %q", m)
		}
	}

	protocol := r.EffectiveProtocol()
	if !validProtocols[protocol] {
		add(idx, "protocol_invalid", "unknown protocol %q", r.Protocol)
	}

	if !validStrategies[r.EffectiveStrategy()] {
		add(idx, "strategy_invalid", "unknown load balancing strategy %q", r.LoadBalancingStrategy)
	}

	if len(r.Backends) == 0 {
		add(idx, "backends_empty", "at least one backend must be specified")
	}
	for bi, b := range r.Backends {
		if b.Port < 1 || b.Port > 65535 {
			add(idx, "backend_port", "backend %d port must be in 1-65535, got %d", bi, b.Port)
		}
		if b.Weight < 0 {
			add(idx, "backend_weight", "backend %d weight must not be negative", bi)
		}
		scheme := b.Scheme()
		switch protocol {
		case ProtocolWebSocket:
			if scheme != "ws" && scheme != "wss" {
				add(idx, "backend_scheme", "backend %d scheme %q is incompatible with websocket routes", bi, scheme)
			}
		case ProtocolHTTP:
			if scheme != "http" && scheme != "https" {
				add(idx, "backend_scheme", "backend %d scheme %q is incompatible with http routes", bi, scheme)
			}
		default:
			if scheme == "" {
				add(idx, "backend_scheme", "backend %d host must include a scheme", bi)
			}
		}
	}

	if r.Retry != nil {
		validateRetry(r.Retry, idx, add)
	}
	if r.RateLimit != nil {
		validateRateLimit(r.RateLimit, idx, add)
	}
	if r.RequestTransformation != nil {
		validateRequestTransformation(r.RequestTransformation, idx, add)
	}
	if r.ResponseTransformation != nil {
		validateResponseTransformation(r.ResponseTransformation, idx, add)
	}
}

// validatePlaceholders returns the placeholder names in a pattern and
// whether every brace group is well formed.
func validatePlaceholders(pattern string) (map[string]bool, bool) {
	names := make(map[string]bool)
	ok := true
	for _, group := range braceRe.FindAllString(pattern, -1) {
		m := placeholderRe.FindStringSubmatch(group)
		if m == nil || m[0] != group {
			ok = false
			continue
		}
		names[m[1]] = true
	}
	return names, ok
}

func validateRetry(r *RetrySettings, idx int, add func(int, string, string, ...any)) {
	if r.MaxRetries < 0 || r.MaxRetries > 10 {
		add(idx, "retry_max_retries", "max_retries must be in [0, 10], got %d", r.MaxRetries)
	}
	if r.InitialBackoffMs < 0 {
		add(idx, "retry_initial_backoff", "initial_backoff_ms must be greater than zero")
	}
	if r.MaxBackoffMs > 0 && r.MaxBackoffMs < r.InitialBackoffMs {
		add(idx, "retry_max_backoff", "max_backoff_ms (%d) must be >= initial_backoff_ms (%d)", r.MaxBackoffMs, r.InitialBackoffMs)
	}
	if r.BackoffMultiplier != 0 && r.BackoffMultiplier <= 1.0 {
		add(idx, "retry_multiplier", "backoff_multiplier must be greater than 1.0, got %g", r.BackoffMultiplier)
	}
	for _, code := range r.RetryOnStatusCodes {
		if code < 100 || code > 599 {
			add(idx, "retry_status_codes", "invalid retryable status code %d", code)
		}
	}
}

func validateRateLimit(r *RateLimitSettings, idx int, add func(int, string, string, ...any)) {
	if r.Algorithm != "" && !validAlgorithms[r.Algorithm] {
		add(idx, "rate_limit_algorithm", "unknown rate limit algorithm %q", r.Algorithm)
	}
	if r.RequestsPerSecond <= 0 {
		add(idx, "rate_limit_rate", "requests_per_second must be greater than zero")
	}
	if r.WindowDuration < 0 {
		add(idx, "rate_limit_window", "window_duration must be greater than zero")
	}
	if r.BurstSize < 0 {
		add(idx, "rate_limit_burst", "burst_size must not be negative")
	}
	if r.Key != "" && r.Key != "ip" && !strings.HasPrefix(r.Key, "header:") {
		add(idx, "rate_limit_key", "key must be \"ip\" or \"header:<name>\", got %q", r.Key)
	}
}

func validateHeaderRules(rules []HeaderTransformation, idx int, add func(int, string, string, ...any)) {
	for _, h := range rules {
		if !validActions[h.Action] {
			add(idx, "transform_action", "unknown header transform action %q", h.Action)
			continue
		}
		if h.Name == "" {
			add(idx, "transform_header_name", "header transform requires a name")
		}
		switch h.Action {
		case "add", "set":
			if h.Value == "" {
				add(idx, "transform_header_value", "%s on %q requires a value", h.Action, h.Name)
			}
		case "replace":
			if h.Pattern == "" {
				add(idx, "transform_header_pattern", "replace on %q requires a pattern", h.Name)
			} else if _, err := regexp.Compile(h.Pattern); err != nil {
				add(idx, "transform_header_pattern", "replace pattern on %q does not compile: %v", h.Name, err)
			}
		}
	}
}

func validateRequestTransformation(t *RequestTransformation, idx int, add func(int, string, string, ...any)) {
	validateHeaderRules(t.Headers, idx, add)
	if t.Path != nil {
		if _, err := regexp.Compile(t.Path.Pattern); err != nil {
			add(idx, "transform_path_pattern", "path pattern does not compile: %v", err)
		}
	}
	for _, q := range t.QueryParams {
		switch q.Action {
		case "add", "set":
			// value may legitimately be empty for set
		case "remove":
		default:
			add(idx, "transform_query_action", "unknown query transform action %q", q.Action)
		}
		if q.Name == "" {
			add(idx, "transform_query_name", "query transform requires a name")
		}
	}
}

func validateResponseTransformation(t *ResponseTransformation, idx int, add func(int, string, string, ...any)) {
	validateHeaderRules(t.Headers, idx, add)
	for _, m := range t.StatusCodeMappings {
		if m.From < 100 || m.From > 599 || m.To < 100 || m.To > 599 {
			add(idx, "transform_status_mapping", "status codes must be in 100-599, got %d -> %d", m.From, m.To)
		}
		if m.Condition != "" && !conditionRe.MatchString(m.Condition) {
			add(idx, "transform_status_condition", "unsupported condition %q (want path == '<literal>')", m.Condition)
		}
	}
}

var conditionRe = regexp.MustCompile(`^path\s*==\s*'[^']*'$`)

// validateDuplicates rejects two routes sharing an external pattern with
// overlapping method sets.
func validateDuplicates(routes []Route, add func(int, string, string, ...any)) {
	for i := range routes {
		for j := i + 1; j < len(routes); j++ {
			if routes[i].ExternalPath != routes[j].ExternalPath {
				continue
			}
			for _, m := range routes[j].Methods {
				if routes[i].AllowsMethod(m) {
					add(j, "duplicate_route", "external path %q with method %s already defined by route %d",
						routes[j].ExternalPath, strings.ToUpper(m), i)
					break
				}
			}
		}
	}
}
