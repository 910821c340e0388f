// Package httpx holds small HTTP helpers shared by the gateway's
// management API: JSON responses, hardening headers and an outbound
// JSON client with retries.
package httpx

import (
	"encoding/json"
	"net/http"
)

// securityHeaders lock down the management API surface. The proxied
// app traffic is not touched, upstreams set their own headers.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Referrer-Policy":           "no-referrer",
	"Permissions-Policy":        "geolocation=(), camera=(), microphone=()",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'; base-uri 'none'",
	"Strict-Transport-Security": "max-age=63072000; includeSubDomains; preload",
	"Cache-Control":             "no-store",
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range securityHeaders {
			h.Set(name, value)
		}
		next.ServeHTTP(w, r)
	})
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the standard {"error": msg} envelope.
func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
