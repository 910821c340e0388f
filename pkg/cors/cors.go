// Package cors reflects cross-origin requests coming from sibling
// subdomains of the gateway's own domain. An app served from
// app.example.com may call api.example.com with credentials; anything
// outside the parent domain is passed through without CORS grants and
// logged.
package cors

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

const allowHeaders = "Accept, Accept-Encoding, Authorization, Content-Type, Origin, X-CSRFToken, X-Requested-With"

// Middleware returns the parent-domain reflection middleware.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Add("Vary", "Origin")
		if !sameParentDomain(origin, r.Host) {
			log.Printf("suspicious cross-origin request from %q to %q", origin, r.Host)
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		if r.Method == http.MethodOptions &&
			strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sameParentDomain reports whether origin names the request host or a
// sibling under the same parent domain. A leading www. on either side
// is ignored.
func sameParentDomain(origin, requestHost string) bool {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	originHost := stripPort(stripWWW(parsed.Host))
	host := stripPort(stripWWW(requestHost))
	if originHost == "" || host == "" {
		return false
	}
	if host == originHost {
		return true
	}
	if strings.HasSuffix(host, "."+originHost) {
		return true
	}
	// Sibling subdomains must share a registrable parent. A parent with
	// a single label is a bare TLD, never a grant.
	parent := parentOf(host)
	return strings.Contains(parent, ".") && strings.HasSuffix(originHost, "."+parent)
}

func parentOf(host string) string {
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[i+1:]
	}
	return host
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
