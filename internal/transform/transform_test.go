package transform

import (
	"net/http"
	"net/url"
	"reflect"
	"testing"

	"github.com/kairos-proxy/kairos/internal/config"
)

func TestHeaderRulesAppliedInOrder(t *testing.T) {
	tr := NewRequestTransformer(&config.RequestTransformation{
		Headers: []config.HeaderTransformation{
			{Action: "set", Name: "X-Stage", Value: "one"},
			{Action: "add", Name: "X-Stage", Value: "two"}, // no-op: already present
			{Action: "add", Name: "X-Fresh", Value: "yes"},
			{Action: "remove", Name: "X-Secret"},
		},
	})

	h := http.Header{}
	h.Set("X-Secret", "hide-me")
	tr.TransformHeaders(h)

	if got := h.Get("X-Stage"); got != "one" {
		t.Errorf("X-Stage = %q; add after set must not override", got)
	}
	if got := h.Get("X-Fresh"); got != "yes" {
		t.Errorf("X-Fresh = %q, want yes", got)
	}
	if h.Get("X-Secret") != "" {
		t.Error("X-Secret should be removed")
	}
}

func TestHeaderReplace(t *testing.T) {
	tr := NewRequestTransformer(&config.RequestTransformation{
		Headers: []config.HeaderTransformation{
			{Action: "replace", Name: "User-Agent", Pattern: `(\d+\.\d+)`, Replacement: "v$1-proxy"},
		},
	})

	h := http.Header{}
	h.Set("User-Agent", "client/2.5")
	tr.TransformHeaders(h)

	if got := h.Get("User-Agent"); got != "client/v2.5-proxy" {
		t.Errorf("User-Agent = %q, want client/v2.5-proxy", got)
	}
}

func TestHeaderReplaceAbsentValueIsNoop(t *testing.T) {
	tr := NewRequestTransformer(&config.RequestTransformation{
		Headers: []config.HeaderTransformation{
			{Action: "replace", Name: "X-Missing", Pattern: `x`, Replacement: "y"},
		},
	})

	h := http.Header{}
	tr.TransformHeaders(h)
	if _, ok := h["X-Missing"]; ok {
		t.Error("replace on an absent header must not create it")
	}
}

func TestPathTransformation(t *testing.T) {
	tr := NewRequestTransformer(&config.RequestTransformation{
		Path: &config.PathTransformation{
			Pattern:     `^/api/v1/(.+)$`,
			Replacement: "/v2/$1",
		},
	})

	tests := []struct{ in, want string }{
		{"/api/v1/users/42", "/v2/users/42"},
		{"/other/path", "/other/path"}, // no match leaves the path alone
	}
	for _, tt := range tests {
		if got := tr.TransformPath(tt.in); got != tt.want {
			t.Errorf("TransformPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQueryTransformation(t *testing.T) {
	tr := NewRequestTransformer(&config.RequestTransformation{
		QueryParams: []config.QueryTransformation{
			{Action: "add", Name: "api_key", Value: "k1"},
			{Action: "add", Name: "page", Value: "default"}, // present: no-op
			{Action: "set", Name: "limit", Value: "50"},
			{Action: "remove", Name: "debug"},
		},
	})

	values := url.Values{}
	values.Set("page", "3")
	values.Set("debug", "true")
	tr.TransformQuery(values)

	want := url.Values{
		"api_key": {"k1"},
		"page":    {"3"},
		"limit":   {"50"},
	}
	if !reflect.DeepEqual(values, want) {
		t.Errorf("query = %v, want %v", values, want)
	}
}

func TestStatusMappingFirstMatchWins(t *testing.T) {
	tr := NewResponseTransformer(&config.ResponseTransformation{
		StatusCodeMappings: []config.StatusCodeMapping{
			{From: 404, To: 200},
			{From: 404, To: 410}, // shadowed by the first mapping
			{From: 500, To: 502},
		},
	})

	if got := tr.MapStatus(404, "/any"); got != 200 {
		t.Errorf("MapStatus(404) = %d, want 200 (first match)", got)
	}
	if got := tr.MapStatus(500, "/any"); got != 502 {
		t.Errorf("MapStatus(500) = %d, want 502", got)
	}
	if got := tr.MapStatus(201, "/any"); got != 201 {
		t.Errorf("MapStatus(201) = %d, unmapped status must pass through", got)
	}
}

func TestStatusMappingCondition(t *testing.T) {
	tr := NewResponseTransformer(&config.ResponseTransformation{
		StatusCodeMappings: []config.StatusCodeMapping{
			{From: 404, To: 200, Condition: "path == '/health'"},
		},
	})

	if got := tr.MapStatus(404, "/health"); got != 200 {
		t.Errorf("MapStatus on matching path = %d, want 200", got)
	}
	if got := tr.MapStatus(404, "/other"); got != 404 {
		t.Errorf("MapStatus on other path = %d, want 404", got)
	}
}

// set and remove rules are idempotent: applying the transformer to an
// already-transformed header set changes nothing. add is not, by design.
func TestSetRemoveIdempotent(t *testing.T) {
	tr := NewResponseTransformer(&config.ResponseTransformation{
		Headers: []config.HeaderTransformation{
			{Action: "set", Name: "X-Via", Value: "kairos"},
			{Action: "remove", Name: "Server"},
		},
	})

	h := http.Header{}
	h.Set("Server", "internal")
	tr.TransformHeaders(h)
	once := h.Clone()
	tr.TransformHeaders(h)

	if !reflect.DeepEqual(h, once) {
		t.Errorf("set/remove transformer not idempotent: %v vs %v", h, once)
	}
}

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	for _, name := range []string{
		"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade",
	} {
		h.Set(name, "x")
	}
	h.Set("Content-Type", "application/json")

	StripHopByHop(h)

	if len(h) != 1 || h.Get("Content-Type") == "" {
		t.Errorf("hop-by-hop stripping left %v", h)
	}
}

func TestNilConfigsAreNoops(t *testing.T) {
	req := NewRequestTransformer(nil)
	resp := NewResponseTransformer(nil)

	if got := req.TransformPath("/x"); got != "/x" {
		t.Errorf("nil request transformer changed the path: %q", got)
	}
	if got := resp.MapStatus(503, "/x"); got != 503 {
		t.Errorf("nil response transformer changed the status: %d", got)
	}
	if req.HasQueryRules() {
		t.Error("nil transformer reports query rules")
	}
}
