package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kairos-proxy/kairos/internal/config"
	"github.com/kairos-proxy/kairos/internal/errors"
)

// Match is the result of resolving a request against the route table.
type Match struct {
	Route        *config.Route
	Params       map[string]string
	InternalPath string
}

// compiledRoute is a dynamic route compiled once at table build time.
type compiledRoute struct {
	route      *config.Route
	regex      *regexp.Regexp
	paramNames []string
}

// Matcher resolves (method, path) pairs to routes. Routes without
// placeholders live in a hash map keyed by exact path; routes with
// placeholders are compiled to anchored regexes and scanned in insertion
// order. The matcher is immutable after construction and safe for
// concurrent use.
type Matcher struct {
	static  map[string][]*config.Route
	dynamic []compiledRoute
}

// New builds a matcher from the route table. Patterns are assumed to have
// passed config validation; a pattern that still fails to compile is
// reported as an error rather than panicking.
func New(routes []config.Route) (*Matcher, error) {
	m := &Matcher{
		static: make(map[string][]*config.Route),
	}

	for i := range routes {
		route := &routes[i]
		if !strings.Contains(route.ExternalPath, "{") {
			m.static[route.ExternalPath] = append(m.static[route.ExternalPath], route)
			continue
		}

		regex, paramNames, err := compilePattern(route.ExternalPath)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		m.dynamic = append(m.dynamic, compiledRoute{
			route:      route,
			regex:      regex,
			paramNames: paramNames,
		})
	}

	return m, nil
}

// Match resolves a request. A path that matches no pattern yields
// ErrRouteNotFound; a path that matches a pattern whose method set
// excludes the request method yields ErrMethodNotAllowed. Static patterns
// win over dynamic; dynamic patterns are tried in insertion order.
func (m *Matcher) Match(method, path string) (*Match, *errors.GatewayError) {
	method = strings.ToUpper(method)
	methodMiss := false

	// Static bin: exact path, O(1)
	if candidates, ok := m.static[path]; ok {
		for _, route := range candidates {
			if route.AllowsMethod(method) {
				return &Match{
					Route:        route,
					Params:       map[string]string{},
					InternalPath: route.InternalPath,
				}, nil
			}
		}
		methodMiss = true
	}

	// Dynamic bin: insertion-order scan
	for i := range m.dynamic {
		cr := &m.dynamic[i]
		captures := cr.regex.FindStringSubmatch(path)
		if captures == nil {
			continue
		}
		if !cr.route.AllowsMethod(method) {
			methodMiss = true
			continue
		}

		params := make(map[string]string, len(cr.paramNames))
		for j, name := range cr.paramNames {
			params[name] = captures[j+1]
		}
		return &Match{
			Route:        cr.route,
			Params:       params,
			InternalPath: substituteParams(cr.route.InternalPath, params),
		}, nil
	}

	if methodMiss {
		return nil, errors.ErrMethodNotAllowed
	}
	return nil, errors.ErrRouteNotFound
}

// compilePattern converts an external path pattern into an anchored regex
// and the ordered list of placeholder names. Placeholders match one or
// more characters except '/'; literal segments match exactly, with regex
// metacharacters escaped. Trailing slashes are significant.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	var sb strings.Builder
	sb.Grow(len(pattern) * 2)
	sb.WriteByte('^')

	var paramNames []string
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		if c != '{' {
			sb.WriteString(regexp.QuoteMeta(string(c)))
			i++
			continue
		}

		end := strings.IndexByte(pattern[i:], '}')
		if end < 0 {
			return nil, nil, fmt.Errorf("unclosed placeholder in pattern %q", pattern)
		}
		name := pattern[i+1 : i+end]
		if name == "" {
			return nil, nil, fmt.Errorf("empty placeholder in pattern %q", pattern)
		}
		paramNames = append(paramNames, name)
		sb.WriteString(`([^/]+)`)
		i += end + 1
	}
	sb.WriteByte('$')

	regex, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, nil, fmt.Errorf("pattern %q does not compile: %w", pattern, err)
	}
	return regex, paramNames, nil
}

// substituteParams builds the internal path by replacing each {name}
// placeholder with its captured value. Values are inserted verbatim.
func substituteParams(template string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(template, "{") {
		return template
	}
	result := template
	for name, value := range params {
		result = strings.ReplaceAll(result, "{"+name+"}", value)
	}
	return result
}

// StaticCount returns the number of routes in the static bin.
func (m *Matcher) StaticCount() int {
	n := 0
	for _, routes := range m.static {
		n += len(routes)
	}
	return n
}

// DynamicCount returns the number of compiled dynamic routes.
func (m *Matcher) DynamicCount() int {
	return len(m.dynamic)
}
