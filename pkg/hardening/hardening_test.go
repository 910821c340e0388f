package hardening

import (
	"strings"
	"testing"
)

func strictOptions() Options {
	return Options{
		Service:            "gateway",
		Environment:        "production",
		DatabaseRequireTLS: "true",
		AuthMode:           "hs256",
		AuthSecret:         strings.Repeat("s", 40),
	}
}

func TestValidateProductionPassesOutsideProd(t *testing.T) {
	for _, environment := range []string{"", "dev", "development", "local", "test"} {
		o := Options{Environment: environment}
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("environment %q: unexpected error %v", environment, err)
		}
	}
}

func TestValidateProductionStrictToggle(t *testing.T) {
	o := Options{Environment: "production", Strict: "false"}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("disabled strict mode must pass: %v", err)
	}

	// Strict defaults on in production.
	o.Strict = ""
	if err := ValidateProduction(o); err == nil {
		t.Fatal("expected default-strict production to fail without TLS")
	}
}

func TestValidateProductionDatabaseTLS(t *testing.T) {
	o := strictOptions()
	o.DatabaseRequireTLS = ""
	err := ValidateProduction(o)
	if err == nil || !strings.Contains(err.Error(), "DATABASE_REQUIRE_TLS") {
		t.Fatalf("expected database TLS error, got %v", err)
	}
}

func TestValidateProductionRedisTLS(t *testing.T) {
	o := strictOptions()
	o.RedisAddr = "redis.internal:6379"
	if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "REDIS_TLS") {
		t.Fatalf("expected redis TLS error, got %v", err)
	}

	o.RedisRequireTLS = "true"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("tls redis must pass: %v", err)
	}

	o.RedisTLSInsecure = "true"
	if err := ValidateProduction(o); err == nil {
		t.Fatal("expected insecure redis TLS to fail")
	}
}

func TestValidateProductionAuth(t *testing.T) {
	o := strictOptions()
	o.AuthMode = "off"
	if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "AUTH_MODE") {
		t.Fatalf("expected auth mode error, got %v", err)
	}

	o = strictOptions()
	o.AuthSecret = "short"
	if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "AUTH_JWT_SECRET") {
		t.Fatalf("expected auth secret error, got %v", err)
	}
}

func TestValidateProductionWSOrigins(t *testing.T) {
	o := strictOptions()
	o.WSAllowedOrigins = "dash.example.com, *.example.com"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("subdomain patterns must pass: %v", err)
	}

	o.WSAllowedOrigins = "*"
	if err := ValidateProduction(o); err == nil {
		t.Fatal("expected catch-all origin to fail")
	}

	o.WSAllowedOrigins = "localhost:3000"
	if err := ValidateProduction(o); err == nil {
		t.Fatal("expected localhost origin to fail")
	}
}
