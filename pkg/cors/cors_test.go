package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, target, origin, method string, preflight bool) *httptest.ResponseRecorder {
	t.Helper()
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, target, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", "POST")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestReflectsParentDomainOrigin(t *testing.T) {
	rec := serve(t, "http://app.example.com/api/", "http://example.com", "GET", false)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Allow-Credentials = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got == "" {
		t.Fatal("Allow-Headers missing")
	}
}

func TestReflectsSiblingSubdomain(t *testing.T) {
	rec := serve(t, "http://api.example.com/v1/", "http://app.example.com", "GET", false)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://app.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestIgnoresWWWPrefix(t *testing.T) {
	rec := serve(t, "http://www.example.com/", "http://example.com", "GET", false)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestForeignOriginGetsNoGrant(t *testing.T) {
	rec := serve(t, "http://app.example.com/", "http://evil.attacker.net", "GET", false)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin reflected: %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("request blocked instead of passed through: %d", rec.Code)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("Vary = %q", got)
	}
}

func TestApexHostRejectsUnrelatedOrigins(t *testing.T) {
	// An apex two-label host must not treat the TLD as a shared parent.
	rec := serve(t, "http://example.com/", "https://attacker.com", "GET", false)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("TLD sibling reflected: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("credentials granted to unrelated origin: %q", got)
	}

	if sameParentDomain("https://attacker.com", "example.com") {
		t.Fatal("attacker.com must not match example.com")
	}
	if !sameParentDomain("http://api.example.com", "app.example.com") {
		t.Fatal("siblings under a registrable parent must match")
	}
	if sameParentDomain("http://api.example.io", "app.example.com") {
		t.Fatal("different parents must not match")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	rec := serve(t, "http://app.example.com/api/", "http://example.com", "OPTIONS", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatal("Allow-Methods missing on preflight")
	}
}

func TestNoOriginPassesThrough(t *testing.T) {
	rec := serve(t, "http://app.example.com/", "", "GET", false)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Allow-Origin set without Origin header: %q", got)
	}
}
