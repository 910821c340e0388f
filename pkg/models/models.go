// Package models defines the tenant App, access Rule and Engagement
// records shared across the gateway.
package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Session backends supported when forwarding a request to a tenant's
// entry point.
const (
	NoSession     = 0
	CookieSession = 1
	JWTSession    = 2
)

// Authentication modes for a tenant site.
const (
	AuthEnabled   = 0
	AuthLoginOnly = 1
	AuthDisabled  = 2
)

// OpAny is the rule operator index that always grants access.
const OpAny = 0

// Most DNS providers limit subdomain labels to 25 characters.
const maxSlugLength = 25

var subdomainRe = regexp.MustCompile(`^[-a-zA-Z0-9_]+$`)

// App is a tenant registration: where allowed requests are forwarded
// and how the session is encoded on the way out.
type App struct {
	ID             int64     `json:"-"`
	Slug           string    `json:"slug"`
	EntryPoint     string    `json:"entry_point"`
	EncKey         string    `json:"-"`
	SessionBackend int       `json:"session_backend"`
	Authentication int       `json:"authentication"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"-"`
}

// Rule binds a path pattern to an access operator. Rules are evaluated
// in ascending rank order; the first match wins.
type Rule struct {
	ID        int64  `json:"-"`
	AppID     int64  `json:"-"`
	Path      string `json:"path"`
	RuleOp    int    `json:"rule_op"`
	Kwargs    string `json:"kwargs,omitempty"`
	IsForward bool   `json:"is_forward"`
	Engaged   string `json:"engaged"`
	Rank      int    `json:"rank"`
	// moved participates in the (app, rank, moved) unique index so ranks
	// can shift inside a reorder transaction without colliding. It is
	// false on every committed row.
	Moved bool `json:"-"`
}

// Engagement records the first time a user interacted with a tagged
// feature. Rows are created lazily and never deleted here.
type Engagement struct {
	Username    string    `json:"username"`
	Slug        string    `json:"slug"`
	LastVisited time.Time `json:"last_visited"`
}

// User is the caller identity attached to a request. Ephemeral users
// exist only for the lifetime of the request; they are minted when the
// identity store cannot be reached but a trusted token names them.
type User struct {
	Username  string   `json:"username"`
	Email     string   `json:"email,omitempty"`
	FullName  string   `json:"full_name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Ephemeral bool     `json:"-"`
}

// KwargsMap decodes the rule's stored kwargs JSON into string
// parameters. Scalar values are stringified; a blank or malformed
// kwargs field yields an empty map.
func (r *Rule) KwargsMap() map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(r.Kwargs) == "" {
		return out
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(r.Kwargs), &raw); err != nil {
		return out
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			if val == float64(int64(val)) {
				out[k] = fmt.Sprintf("%d", int64(val))
			} else {
				out[k] = fmt.Sprintf("%g", val)
			}
		case bool:
			out[k] = fmt.Sprintf("%t", val)
		}
	}
	return out
}

// Allow renders the operator and its kwargs the way the rules API
// exposes them, e.g. "1" or "2/{\"role\": \"manager\"}".
func (r *Rule) Allow() string {
	if strings.TrimSpace(r.Kwargs) != "" {
		return fmt.Sprintf("%d/%s", r.RuleOp, r.Kwargs)
	}
	return fmt.Sprintf("%d", r.RuleOp)
}

// ValidateSlug checks that slug is usable as a subdomain label.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug is required")
	}
	if len(slug) > maxSlugLength {
		return fmt.Errorf("slug %q exceeds %d characters", slug, maxSlugLength)
	}
	if !subdomainRe.MatchString(slug) {
		return fmt.Errorf("slug %q must consist of letters, digits, hyphens or underscores", slug)
	}
	return nil
}

// ValidateEntryPoint rejects URLs the gateway should never forward to,
// in particular anything that would loop requests back to the gateway
// host itself.
func ValidateEntryPoint(value string) error {
	parts, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("entry point: %w", err)
	}
	host := strings.ToLower(parts.Host)
	if host == "" ||
		strings.HasPrefix(host, "localhost") ||
		strings.HasPrefix(host, "127.0.0.1") {
		return fmt.Errorf("unsafe entry point URL %q", value)
	}
	return nil
}

// SessionBackendName returns the API label for a backend code.
func SessionBackendName(backend int) string {
	switch backend {
	case NoSession:
		return "none"
	case CookieSession:
		return "cookie"
	case JWTSession:
		return "jwt"
	}
	return "unknown"
}

// ParseSessionBackend is the inverse of SessionBackendName. Numeric
// values are accepted as well since the wire format stores the code.
func ParseSessionBackend(raw string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "0":
		return NoSession, nil
	case "cookie", "1":
		return CookieSession, nil
	case "jwt", "2":
		return JWTSession, nil
	}
	return 0, fmt.Errorf("unknown session backend %q", raw)
}

// ParseAuthentication maps an API label or numeric code to an
// authentication mode.
func ParseAuthentication(raw string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "enabled", "0":
		return AuthEnabled, nil
	case "login-only", "1":
		return AuthLoginOnly, nil
	case "disabled", "2":
		return AuthDisabled, nil
	}
	return 0, fmt.Errorf("unknown authentication mode %q", raw)
}

// AuthenticationName returns the API label for an authentication mode.
func AuthenticationName(mode int) string {
	switch mode {
	case AuthEnabled:
		return "enabled"
	case AuthLoginOnly:
		return "login-only"
	case AuthDisabled:
		return "disabled"
	}
	return "unknown"
}
