package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/kairos-proxy/kairos/internal/circuitbreaker"
	"github.com/kairos-proxy/kairos/internal/config"
	"github.com/kairos-proxy/kairos/internal/metrics"
)

func seedSettings() *config.Settings {
	return &config.Settings{
		Version: 1,
		Routers: []config.Route{
			{
				ExternalPath: "/cats/{id}",
				InternalPath: "/{id}",
				Methods:      []string{"GET"},
				Backends:     []config.Backend{{Host: "https://http.cat", Port: 443}},
			},
		},
	}
}

func newTestAPI(t *testing.T) (*API, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, _ := json.MarshalIndent(seedSettings(), "", "  ")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write seed config: %v", err)
	}
	store, err := config.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return New(store, circuitbreaker.NewRegistry(0, 0), metrics.NewCollector(), "test"), path
}

func doJSON(t *testing.T, api *API, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func newRoute(externalPath string) config.Route {
	return config.Route{
		ExternalPath: externalPath,
		InternalPath: "/internal",
		Methods:      []string{"GET"},
		Backends:     []config.Backend{{Host: "http://backend", Port: 8080}},
	}
}

func TestListRoutes(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api, http.MethodGet, "/api/routes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var routes []config.Route
	if err := json.Unmarshal(rec.Body.Bytes(), &routes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(routes) != 1 || routes[0].ExternalPath != "/cats/{id}" {
		t.Errorf("routes = %+v", routes)
	}
}

func TestGetRouteURLEncoded(t *testing.T) {
	api, _ := newTestAPI(t)
	encoded := url.PathEscape("/cats/{id}")
	rec := doJSON(t, api, http.MethodGet, "/api/routes/"+encoded, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var route config.Route
	json.Unmarshal(rec.Body.Bytes(), &route)
	if route.ExternalPath != "/cats/{id}" {
		t.Errorf("external path = %q", route.ExternalPath)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/routes/"+url.PathEscape("/absent"), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("absent route status = %d, want 404", rec.Code)
	}
}

func TestCreateRoutePersists(t *testing.T) {
	api, path := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/routes", newRoute("/new"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Persisted to the source file before publication
	onDisk, err := config.Load(path)
	if err != nil {
		t.Fatalf("load persisted config: %v", err)
	}
	if len(onDisk.Routers) != 2 {
		t.Errorf("persisted %d routes, want 2", len(onDisk.Routers))
	}
}

func TestCreateInvalidRouteReturnsRuleList(t *testing.T) {
	api, path := newTestAPI(t)

	bad := newRoute("/bad")
	bad.Backends = nil
	bad.Methods = []string{"FETCH"}
	rec := doJSON(t, api, http.MethodPost, "/api/routes", bad)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	var body struct {
		Error      string             `json:"error"`
		Violations []config.Violation `json:"violations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error != "ConfigInvalid" {
		t.Errorf("error code = %q", body.Error)
	}
	if len(body.Violations) < 2 {
		t.Errorf("violations = %+v, want every failed rule", body.Violations)
	}

	// Nothing persisted, nothing published
	onDisk, _ := config.Load(path)
	if len(onDisk.Routers) != 1 {
		t.Error("invalid route must not be persisted")
	}
}

func TestUpdateRoute(t *testing.T) {
	api, _ := newTestAPI(t)

	updated := seedSettings().Routers[0]
	updated.Methods = []string{"GET", "HEAD"}
	encoded := url.PathEscape("/cats/{id}")

	rec := doJSON(t, api, http.MethodPut, "/api/routes/"+encoded, updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/routes/"+encoded, nil)
	var route config.Route
	json.Unmarshal(rec.Body.Bytes(), &route)
	if len(route.Methods) != 2 {
		t.Errorf("methods = %v", route.Methods)
	}
}

func TestUpdateRoutePathMismatch(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api, http.MethodPut, "/api/routes/"+url.PathEscape("/cats/{id}"), newRoute("/other"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 on path mismatch", rec.Code)
	}
}

func TestDeleteRoute(t *testing.T) {
	api, path := newTestAPI(t)

	rec := doJSON(t, api, http.MethodDelete, "/api/routes/"+url.PathEscape("/cats/{id}"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	onDisk, _ := config.Load(path)
	if len(onDisk.Routers) != 0 {
		t.Error("deleted route still persisted")
	}

	rec = doJSON(t, api, http.MethodDelete, "/api/routes/"+url.PathEscape("/cats/{id}"), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", rec.Code)
	}
}

func TestValidateOnlyDoesNotMutate(t *testing.T) {
	api, path := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/routes/validate", newRoute("/candidate"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	onDisk, _ := config.Load(path)
	if len(onDisk.Routers) != 1 {
		t.Error("validate-only endpoint must not mutate the table")
	}

	bad := newRoute("/bad")
	bad.Backends = nil
	rec = doJSON(t, api, http.MethodPost, "/api/routes/validate", bad)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid candidate status = %d, want 422", rec.Code)
	}
}

func TestReloadConfig(t *testing.T) {
	api, path := newTestAPI(t)

	// Edit the file out-of-band, then reload through the API
	edited := seedSettings()
	edited.Routers[0].ExternalPath = "/dogs/{id}"
	data, _ := json.MarshalIndent(edited, "", "  ")
	os.WriteFile(path, data, 0o644)

	rec := doJSON(t, api, http.MethodPost, "/api/config/reload", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/routes", nil)
	var routes []config.Route
	json.Unmarshal(rec.Body.Bytes(), &routes)
	if routes[0].ExternalPath != "/dogs/{id}" {
		t.Errorf("reloaded route = %q", routes[0].ExternalPath)
	}
}

func TestHealthEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health body = %v", body)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Error("health body missing uptime")
	}

	for _, path := range []string{"/ready", "/live"} {
		if rec := doJSON(t, api, http.MethodGet, path, nil); rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}

	rec = doJSON(t, api, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestHandles(t *testing.T) {
	api, _ := newTestAPI(t)
	tests := []struct {
		path string
		want bool
	}{
		{"/api/routes", true},
		{"/api/config/reload", true},
		{"/health", true},
		{"/metrics", true},
		{"/cats/418", false},
		{"/apiary", false},
	}
	for _, tt := range tests {
		if got := api.Handles(tt.path); got != tt.want {
			t.Errorf("Handles(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
