package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthz(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := doRequest(t, api.Handler(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "ok" || body["service"] != "rigrent-api" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReadyWithoutDB(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := doRequest(t, api.Handler(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInfo(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := doRequest(t, api.Handler(), httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["version"] != "test" {
		t.Fatalf("version = %v, want test", body["version"])
	}
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := doRequest(t, api.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRootAndUnknownPaths(t *testing.T) {
	api, _, _ := newTestAPI(t)
	h := api.Handler()

	rec := doRequest(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("root: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rigrent-api") {
		t.Fatalf("root body = %q", rec.Body.String())
	}
}

func TestLoginRedirectTargetIsServed(t *testing.T) {
	api, _, _ := newTestAPI(t)
	h := api.Handler()

	// A browser denial bounces to the login path; the bounce must land
	// on a real handler, not the catch-all 404.
	rec := doRequest(t, h, httptest.NewRequest(http.MethodGet, "/app/admin/panel", nil))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("denial status = %d, want 303", rec.Code)
	}
	target := rec.Header().Get("Location")
	if target == "" {
		t.Fatal("no Location header on denial")
	}

	rec = doRequest(t, h, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s: status = %d, want 200", target, rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["message"] == nil {
		t.Fatalf("login page body missing guidance: %v", body)
	}
}

func TestErrorResponsesCarryRequestID(t *testing.T) {
	api, _, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/billing/invoices", nil)
	req.Header.Set("X-Request-ID", "req-err-1")
	rec := doRequest(t, api.Handler(), req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["request_id"] != "req-err-1" {
		t.Fatalf("request_id = %v, want req-err-1", body["request_id"])
	}
	if body["error"] == "" || body["error"] == nil {
		t.Fatal("error message missing")
	}
}
