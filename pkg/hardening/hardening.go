// Package hardening refuses to start a gateway whose production
// configuration would downgrade tenant security: plaintext database or
// Redis links, disabled management auth, or wide-open websocket
// origins. Development environments pass through untouched.
package hardening

import (
	"fmt"
	"strings"
)

const minAuthSecretLen = 32

type Options struct {
	Service            string
	Environment        string
	Strict             string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	RedisAllowInsecure string
	AuthMode           string
	AuthSecret         string
	WSAllowedOrigins   string
}

// ValidateProduction checks o against the strict production profile.
// Non-production environments, and production with STRICT_PROD_SECURITY
// explicitly disabled, always pass.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.Strict, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecure, false) {
			return fmt.Errorf("%s: strict production hardening forbids insecure Redis TLS", service)
		}
	}
	if strings.EqualFold(strings.TrimSpace(o.AuthMode), "off") {
		return fmt.Errorf("%s: strict production hardening forbids AUTH_MODE=off", service)
	}
	if len(strings.TrimSpace(o.AuthSecret)) < minAuthSecretLen {
		return fmt.Errorf("%s: strict production hardening requires AUTH_JWT_SECRET of at least %d characters", service, minAuthSecretLen)
	}
	return validateWSOrigins(o.WSAllowedOrigins, service)
}

// validateWSOrigins vets the websocket origin allowlist for the live
// event feed. An empty list is fine, the feed then only accepts
// same-host origins.
func validateWSOrigins(raw, service string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		if o == "*" {
			return fmt.Errorf("%s: strict production hardening forbids the catch-all websocket origin", service)
		}
		if strings.HasPrefix(o, "localhost") || strings.HasPrefix(o, "127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost websocket origin %q", service, o)
		}
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
