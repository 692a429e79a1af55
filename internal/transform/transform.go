package transform

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/kairos-proxy/kairos/internal/config"
)

// compiledHeaderRule is one ordered header rewrite, with any replace
// pattern compiled once at route build time.
type compiledHeaderRule struct {
	action      string
	name        string
	value       string
	regex       *regexp.Regexp
	replacement string
}

func compileHeaderRules(rules []config.HeaderTransformation) []compiledHeaderRule {
	compiled := make([]compiledHeaderRule, 0, len(rules))
	for _, rule := range rules {
		cr := compiledHeaderRule{
			action:      rule.Action,
			name:        rule.Name,
			value:       rule.Value,
			replacement: rule.Replacement,
		}
		if rule.Action == "replace" && rule.Pattern != "" {
			// Pattern validity is checked by config validation.
			cr.regex = regexp.MustCompile(rule.Pattern)
		}
		compiled = append(compiled, cr)
	}
	return compiled
}

// applyHeaderRules applies rules in configured order. Ordering is
// user-visible: add only sets when absent, so a preceding set changes
// what a later add does.
func applyHeaderRules(h http.Header, rules []compiledHeaderRule) {
	for _, rule := range rules {
		switch rule.action {
		case "add":
			if h.Get(rule.name) == "" {
				h.Set(rule.name, rule.value)
			}
		case "set":
			h.Set(rule.name, rule.value)
		case "remove":
			h.Del(rule.name)
		case "replace":
			if rule.regex == nil {
				continue
			}
			if current := h.Get(rule.name); current != "" {
				h.Set(rule.name, rule.regex.ReplaceAllString(current, rule.replacement))
			}
		}
	}
}

// RequestTransformer rewrites a request before forwarding. All regexes
// are compiled once; the zero-value transformer (from a nil config) is a
// no-op.
type RequestTransformer struct {
	headers         []compiledHeaderRule
	pathRegex       *regexp.Regexp
	pathReplacement string
	query           []config.QueryTransformation
}

// NewRequestTransformer compiles a request transformation. A nil config
// yields a transformer whose methods do nothing.
func NewRequestTransformer(cfg *config.RequestTransformation) *RequestTransformer {
	t := &RequestTransformer{}
	if cfg == nil {
		return t
	}
	t.headers = compileHeaderRules(cfg.Headers)
	if cfg.Path != nil {
		t.pathRegex = regexp.MustCompile(cfg.Path.Pattern)
		t.pathReplacement = cfg.Path.Replacement
	}
	t.query = cfg.QueryParams
	return t
}

// TransformPath applies the path regex. It runs after path parameters
// have been substituted into the internal path template.
func (t *RequestTransformer) TransformPath(path string) string {
	if t.pathRegex == nil {
		return path
	}
	return t.pathRegex.ReplaceAllString(path, t.pathReplacement)
}

// HasQueryRules reports whether any query rules are configured, so
// callers can keep the original query string verbatim when there is
// nothing to rewrite.
func (t *RequestTransformer) HasQueryRules() bool {
	return len(t.query) > 0
}

// TransformQuery applies query parameter rules in order.
func (t *RequestTransformer) TransformQuery(values url.Values) {
	for _, rule := range t.query {
		switch rule.Action {
		case "add":
			if !values.Has(rule.Name) {
				values.Set(rule.Name, rule.Value)
			}
		case "set":
			values.Set(rule.Name, rule.Value)
		case "remove":
			values.Del(rule.Name)
		}
	}
}

// TransformHeaders applies header rules in order.
func (t *RequestTransformer) TransformHeaders(h http.Header) {
	applyHeaderRules(h, t.headers)
}

// statusMapping is a compiled status rewrite with its optional path
// condition pre-extracted.
type statusMapping struct {
	from          int
	to            int
	conditionPath string
	hasCondition  bool
}

// ResponseTransformer rewrites a response before returning it to the
// client: status mapping first, then header rules.
type ResponseTransformer struct {
	headers  []compiledHeaderRule
	statuses []statusMapping
}

// NewResponseTransformer compiles a response transformation. A nil config
// yields a no-op transformer.
func NewResponseTransformer(cfg *config.ResponseTransformation) *ResponseTransformer {
	t := &ResponseTransformer{}
	if cfg == nil {
		return t
	}
	t.headers = compileHeaderRules(cfg.Headers)
	for _, m := range cfg.StatusCodeMappings {
		sm := statusMapping{from: m.From, to: m.To}
		if m.Condition != "" {
			sm.hasCondition = true
			sm.conditionPath = extractConditionPath(m.Condition)
		}
		t.statuses = append(t.statuses, sm)
	}
	return t
}

// extractConditionPath pulls the literal out of "path == '<literal>'".
// The form is enforced by config validation.
func extractConditionPath(condition string) string {
	start := strings.IndexByte(condition, '\'')
	end := strings.LastIndexByte(condition, '\'')
	if start < 0 || end <= start {
		return ""
	}
	return condition[start+1 : end]
}

// MapStatus applies the status mapping list in order; the first match
// wins. path is the external request path, used by conditions.
func (t *ResponseTransformer) MapStatus(status int, path string) int {
	for _, m := range t.statuses {
		if m.from != status {
			continue
		}
		if m.hasCondition && m.conditionPath != path {
			continue
		}
		return m.to
	}
	return status
}

// TransformHeaders applies header rules in order.
func (t *ResponseTransformer) TransformHeaders(h http.Header) {
	applyHeaderRules(h, t.headers)
}

// hopHeaders are scoped to a single transport connection and are never
// forwarded in either direction.
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

// StripHopByHop removes hop-by-hop headers.
func StripHopByHop(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// IsHopByHop reports whether a header name is hop-by-hop.
func IsHopByHop(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
