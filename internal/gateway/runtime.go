package gateway

import (
	"fmt"

	"github.com/kairos-proxy/kairos/internal/auth"
	"github.com/kairos-proxy/kairos/internal/config"
	"github.com/kairos-proxy/kairos/internal/health"
	"github.com/kairos-proxy/kairos/internal/loadbalancer"
	"github.com/kairos-proxy/kairos/internal/ratelimit"
	"github.com/kairos-proxy/kairos/internal/retry"
	"github.com/kairos-proxy/kairos/internal/router"
	"github.com/kairos-proxy/kairos/internal/transform"
)

// routePipeline is the per-route slice of the request pipeline, compiled
// once at snapshot build.
type routePipeline struct {
	route         *config.Route
	id            string
	balancer      *loadbalancer.Balancer
	limiter       *ratelimit.Limiter // nil when the route is not limited
	retryPolicy   *retry.Policy
	reqTransform  *transform.RequestTransformer
	respTransform *transform.ResponseTransformer
}

// runtime is everything derived from one config snapshot. A request is
// served end-to-end against the runtime it started with; publication
// installs a new runtime without touching in-flight requests.
type runtime struct {
	settings  *config.Settings
	matcher   *router.Matcher
	pipelines map[*config.Route]*routePipeline
	validator *auth.Validator // nil when no JWT settings are configured
	checker   *health.Checker
}

// buildRuntime compiles a validated snapshot into a runtime and prunes
// keyed state (breakers, rate-limit buckets) orphaned by the new table.
func (g *Gateway) buildRuntime(settings *config.Settings) (*runtime, error) {
	matcher, err := router.New(settings.Routers)
	if err != nil {
		return nil, fmt.Errorf("build route matcher: %w", err)
	}

	rt := &runtime{
		settings:  settings,
		matcher:   matcher,
		pipelines: make(map[*config.Route]*routePipeline, len(settings.Routers)),
		checker:   health.NewChecker(0, 0),
	}
	if settings.JWT != nil {
		rt.validator = auth.NewValidator(settings.JWT)
	}

	activeRoutes := make(map[string]bool, len(settings.Routers))
	activeBackends := make(map[string]map[string]bool, len(settings.Routers))

	for i := range settings.Routers {
		route := &settings.Routers[i]
		id := route.ID()
		activeRoutes[id] = true

		pool := make(map[string]bool, len(route.Backends))
		for _, b := range route.Backends {
			pool[b.URL()] = true
		}
		activeBackends[id] = pool

		balancer := loadbalancer.New(id, route.EffectiveStrategy(), route.Backends, g.breakers)
		rt.checker.Watch(balancer.Backends())

		rt.pipelines[route] = &routePipeline{
			route:         route,
			id:            id,
			balancer:      balancer,
			limiter:       g.limiters.Limiter(id, settings.LimitFor(route)),
			retryPolicy:   retry.NewPolicy(route.Retry),
			reqTransform:  transform.NewRequestTransformer(route.RequestTransformation),
			respTransform: transform.NewResponseTransformer(route.ResponseTransformation),
		}
	}

	g.breakers.Prune(activeBackends)
	g.limiters.Prune(activeRoutes)
	rt.checker.Start()

	return rt, nil
}

// pipelineFor returns the compiled pipeline for a matched route.
func (rt *runtime) pipelineFor(route *config.Route) *routePipeline {
	return rt.pipelines[route]
}
