package admin

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/kairos-proxy/kairos/internal/circuitbreaker"
	"github.com/kairos-proxy/kairos/internal/config"
	"github.com/kairos-proxy/kairos/internal/errors"
	"github.com/kairos-proxy/kairos/internal/logging"
	"github.com/kairos-proxy/kairos/internal/metrics"
)

// API exposes CRUD over the route table plus health and metrics
// endpoints. Every mutation clones the active snapshot, applies the
// change, validates the whole candidate, persists it, and publishes —
// all or nothing.
type API struct {
	store     *config.Store
	breakers  *circuitbreaker.Registry
	collector *metrics.Collector
	version   string
	startTime time.Time
	router    *httprouter.Router
}

// New creates the management API.
func New(store *config.Store, breakers *circuitbreaker.Registry, collector *metrics.Collector, version string) *API {
	a := &API{
		store:     store,
		breakers:  breakers,
		collector: collector,
		version:   version,
		startTime: time.Now(),
		router:    httprouter.New(),
	}

	a.router.GET("/api/routes", a.listRoutes)
	a.router.POST("/api/routes", a.createRoute)
	a.router.POST("/api/routes/validate", a.validateRoute)
	a.router.POST("/api/config/reload", a.reloadConfig)
	a.router.GET("/api/circuit-breakers", a.listBreakers)

	a.router.GET("/health", a.health)
	a.router.GET("/ready", a.ready)
	a.router.GET("/live", a.live)
	a.router.Handler(http.MethodGet, "/metrics", collector.Handler())

	return a
}

// Handles reports whether the API serves this path.
func (a *API) Handles(path string) bool {
	switch path {
	case "/health", "/ready", "/live", "/metrics":
		return true
	}
	return strings.HasPrefix(path, "/api/")
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// /api/routes/{external_path} carries a URL-encoded path in its final
	// segment. httprouter cannot mix that catch-all with the static
	// /api/routes/validate sibling, so this subtree dispatches by hand.
	if path, ok := strings.CutPrefix(r.URL.Path, "/api/routes/"); ok && path != "" && path != "validate" {
		externalPath := decodeExternalPath(path)
		switch r.Method {
		case http.MethodGet:
			a.getRoute(w, r, externalPath)
		case http.MethodPut:
			a.updateRoute(w, r, externalPath)
		case http.MethodDelete:
			a.deleteRoute(w, r, externalPath)
		default:
			errors.ErrMethodNotAllowed.WriteJSON(w)
		}
		return
	}

	a.router.ServeHTTP(w, r)
}

// decodeExternalPath decodes the {external_path} URL segment. Clients
// URL-encode the path (e.g. GET /api/routes/%2Fcats%2F%7Bid%7D); a raw
// path with literal slashes also resolves because the subtree dispatch
// keeps the remainder intact.
func decodeExternalPath(raw string) string {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	if !strings.HasPrefix(decoded, "/") {
		decoded = "/" + decoded
	}
	return decoded
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeValidationError renders a 422 with the structured rule list.
func writeValidationError(w http.ResponseWriter, err error) {
	if ve, ok := err.(*config.ValidationError); ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      errors.ErrConfigInvalid.Code,
			"message":    errors.ErrConfigInvalid.Message,
			"violations": ve.Violations,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   errors.ErrInternal.Code,
		"message": err.Error(),
	})
}

func (a *API) listRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snapshot := a.store.Snapshot()
	writeJSON(w, http.StatusOK, snapshot.Routers)
}

func (a *API) getRoute(w http.ResponseWriter, r *http.Request, externalPath string) {
	snapshot := a.store.Snapshot()
	for i := range snapshot.Routers {
		if snapshot.Routers[i].ExternalPath == externalPath {
			writeJSON(w, http.StatusOK, snapshot.Routers[i])
			return
		}
	}
	errors.ErrRouteNotFound.WriteJSON(w)
}

func (a *API) createRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var route config.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "InvalidBody",
			"message": "request body is not a valid route: " + err.Error(),
		})
		return
	}

	candidate := a.store.Snapshot().Clone()
	candidate.Routers = append(candidate.Routers, route)

	if err := a.store.ReplaceAndPersist(candidate); err != nil {
		writeValidationError(w, err)
		return
	}

	logging.Info("route created", zap.String("external_path", route.ExternalPath))
	writeJSON(w, http.StatusCreated, route)
}

func (a *API) updateRoute(w http.ResponseWriter, r *http.Request, externalPath string) {
	var route config.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "InvalidBody",
			"message": "request body is not a valid route: " + err.Error(),
		})
		return
	}
	if route.ExternalPath != externalPath {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "PathMismatch",
			"message": "route external_path must match the URL parameter",
		})
		return
	}

	candidate := a.store.Snapshot().Clone()
	found := false
	for i := range candidate.Routers {
		if candidate.Routers[i].ExternalPath == externalPath {
			candidate.Routers[i] = route
			found = true
			break
		}
	}
	if !found {
		errors.ErrRouteNotFound.WriteJSON(w)
		return
	}

	if err := a.store.ReplaceAndPersist(candidate); err != nil {
		writeValidationError(w, err)
		return
	}

	logging.Info("route updated", zap.String("external_path", externalPath))
	writeJSON(w, http.StatusOK, route)
}

func (a *API) deleteRoute(w http.ResponseWriter, r *http.Request, externalPath string) {
	candidate := a.store.Snapshot().Clone()
	kept := candidate.Routers[:0]
	found := false
	for i := range candidate.Routers {
		if candidate.Routers[i].ExternalPath == externalPath {
			found = true
			continue
		}
		kept = append(kept, candidate.Routers[i])
	}
	if !found {
		errors.ErrRouteNotFound.WriteJSON(w)
		return
	}
	candidate.Routers = kept

	if err := a.store.ReplaceAndPersist(candidate); err != nil {
		writeValidationError(w, err)
		return
	}

	logging.Info("route deleted", zap.String("external_path", externalPath))
	writeJSON(w, http.StatusOK, map[string]string{"deleted": externalPath})
}

// validateRoute checks a candidate route against the current table
// without mutating anything.
func (a *API) validateRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var route config.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "InvalidBody",
			"message": "request body is not a valid route: " + err.Error(),
		})
		return
	}

	candidate := a.store.Snapshot().Clone()
	candidate.Routers = append(candidate.Routers, route)

	if err := config.Validate(candidate); err != nil {
		writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (a *API) reloadConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := a.store.ReloadFromFile(); err != nil {
		a.collector.RecordConfigReload(false)
		writeValidationError(w, err)
		return
	}
	a.collector.RecordConfigReload(true)
	logging.Info("configuration reloaded via management api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (a *API) listBreakers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.breakers.Snapshots())
}

func (a *API) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        a.version,
		"uptime_seconds": int64(time.Since(a.startTime).Seconds()),
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) live(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
