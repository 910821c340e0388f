package main

import (
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"rulegate/pkg/audit"
	"rulegate/pkg/auth"
	"rulegate/pkg/httpx"
	"rulegate/pkg/match"
	"rulegate/pkg/metrics"
	"rulegate/pkg/models"
	"rulegate/pkg/policy"
	"rulegate/pkg/ratelimit"
	"rulegate/pkg/session"
	"rulegate/pkg/store"
	"rulegate/pkg/stream"

	"github.com/google/uuid"
)

// proxyRequest is the catch-all handler for tenant traffic: resolve
// the app from the Host header, find the governing rule, evaluate the
// permission, then either forward upstream with a fresh session token,
// answer locally, or deny.
func (s *Server) proxyRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	app, err := s.appFromRequest(r)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "no application configured for this host")
			return
		}
		log.Printf("proxy: resolve app for %q: %v", r.Host, err)
		httpx.Error(w, http.StatusServiceUnavailable, "application lookup failed")
		return
	}

	if s.RateLimitEnabled && s.RateLimiter != nil {
		decision := s.RateLimiter.Allow(ratelimit.KeyFor(app.Slug, clientIP(r)), s.RateLimitPerWindow)
		if !decision.Allowed {
			s.recordDecision(r, app, nil, "", metrics.VerdictThrottled, http.StatusTooManyRequests)
			w.Header().Set("Retry-After", decision.ResetAt.UTC().Format(http.TimeFormat))
			httpx.Error(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}

	ruleList, err := s.rulesFor(ctx, app)
	if err != nil {
		log.Printf("proxy: rules for %q: %v", app.Slug, err)
		httpx.Error(w, http.StatusServiceUnavailable, "rule lookup failed")
		return
	}
	rules := make([]*models.Rule, len(ruleList))
	for i := range ruleList {
		rules[i] = &ruleList[i]
	}

	rule, params := match.FindRule(rules, r.URL.Path, s.PathPrefix)

	// CORS preflight carries no credentials, so a preflight on a
	// forwarded path goes straight upstream.
	if r.Method == http.MethodOptions && rule != nil && rule.IsForward && app.EntryPoint != "" {
		s.forwardUpstream(w, r, app, rule, "", nil)
		return
	}

	user := s.identify(r, app)

	if rule == nil {
		noMatch := &policy.NoRuleMatchError{Path: r.URL.Path}
		log.Printf("proxy %s %s%s: %v", r.Method, app.Slug, r.URL.Path, noMatch)
		s.recordDecision(r, app, nil, usernameOf(user), metrics.VerdictNoRule, http.StatusForbidden)
		httpx.Error(w, http.StatusForbidden, noMatch.Error())
		return
	}

	req := &policy.Request{
		App:    app,
		User:   user,
		Method: r.Method,
		Path:   r.URL.Path,
		Accept: r.Header.Get("Accept"),
		Scheme: requestScheme(r),
		Host:   r.Host,
	}
	decision, err := s.Policy.Evaluate(ctx, rule, params, req)
	if err != nil {
		log.Printf("proxy: evaluate %q for %s%s: %v", rule.Path, app.Slug, r.URL.Path, err)
		httpx.Error(w, http.StatusServiceUnavailable, "permission evaluation failed")
		return
	}
	if !decision.Granted() {
		if policy.AcceptsHTML(req.Accept) {
			s.recordDecision(r, app, rule, usernameOf(user), metrics.VerdictLoginRedirect, http.StatusFound)
			http.Redirect(w, r, decision.Redirect, http.StatusFound)
			return
		}
		s.recordDecision(r, app, rule, usernameOf(user), metrics.VerdictDeny, http.StatusForbidden)
		httpx.Error(w, http.StatusForbidden, "permission denied")
		return
	}

	if !rule.IsForward || app.EntryPoint == "" {
		s.recordDecision(r, app, rule, usernameOf(user), metrics.VerdictAllow, http.StatusOK)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"detail": "ok"})
		return
	}

	sess := forwardSession(user, decision.Session)
	s.forwardUpstream(w, r, app, rule, usernameOf(user), sess)
}

// forwardSession is the dictionary encoded into the upstream token.
func forwardSession(user *models.User, extra map[string]any) map[string]any {
	sess := map[string]any{}
	for k, v := range extra {
		sess[k] = v
	}
	if user != nil {
		sess["username"] = user.Username
		if user.Email != "" {
			sess["email"] = user.Email
		}
		if user.FullName != "" {
			sess["full_name"] = user.FullName
		}
		if len(user.Roles) > 0 {
			sess["roles"] = user.Roles
		}
	}
	return sess
}

func (s *Server) forwardUpstream(w http.ResponseWriter, r *http.Request, app *models.App,
	rule *models.Rule, username string, sess map[string]any) {
	token := ""
	if codec := sessionCodec(app); codec != nil && len(sess) > 0 {
		prepared, err := codec.Prepare(sess, app.EncKey)
		if err != nil {
			log.Printf("proxy: prepare session for %q: %v", app.Slug, err)
			httpx.Error(w, http.StatusServiceUnavailable, "session encoding failed")
			return
		}
		token = prepared
	}
	start := time.Now()
	err := s.Forwarder.Forward(w, r, app, token)
	s.Metrics.ObserveUpstreamLatency(time.Since(start))
	if err != nil {
		s.recordDecision(r, app, rule, username, metrics.VerdictForwardError, http.StatusServiceUnavailable)
		return
	}
	s.recordDecision(r, app, rule, username, metrics.VerdictForward, http.StatusOK)
}

// identify resolves the caller from the gateway session cookie or a
// bearer token. Decode failures are logged and treated as anonymous.
func (s *Server) identify(r *http.Request, app *models.App) *models.User {
	if app.Authentication == models.AuthDisabled {
		return nil
	}
	if codec := sessionCodec(app); codec != nil {
		if cookie, err := r.Cookie(s.SessionCookie); err == nil && cookie.Value != "" {
			_, user, err := session.Load(r.Context(), codec, cookie.Value, app.EncKey, s.Users)
			if err != nil {
				log.Printf("proxy: session cookie for %q: %v", app.Slug, err)
			} else if user != nil {
				return user
			}
		}
	}
	if s.AuthSecret != "" {
		header := r.Header.Get("Authorization")
		if token, found := strings.CutPrefix(header, "Bearer "); found {
			claims, err := auth.VerifyHS256Token(token, s.AuthSecret, time.Now())
			if err != nil {
				log.Printf("proxy: bearer token for %q: %v", app.Slug, err)
				return nil
			}
			user, err := s.Users.FindUser(r.Context(), claims.Username)
			if err != nil {
				log.Printf("proxy: resolve %q: %v", claims.Username, err)
				return nil
			}
			return user
		}
	}
	return nil
}

// recordDecision fans one access decision out to the verdict counters,
// the websocket hub, the audit trail and, when configured, the Kafka
// bus.
func (s *Server) recordDecision(r *http.Request, app *models.App, rule *models.Rule,
	username, verdict string, status int) {
	s.Metrics.IncVerdict(verdict)
	s.Metrics.IncAppVerdict(app.Slug, verdict)
	d := stream.Decision{
		ID:       uuid.NewString(),
		App:      app.Slug,
		Method:   r.Method,
		Path:     r.URL.Path,
		Username: username,
		Verdict:  verdict,
		Status:   status,
	}
	if rule != nil {
		d.RulePath = rule.Path
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewDecisionEvent(d))
	}
	if s.Audit != nil {
		if err := s.Audit.Append(r.Context(), audit.Record{
			DecisionID: d.ID,
			App:        d.App,
			Username:   d.Username,
			Method:     d.Method,
			Path:       d.Path,
			RulePath:   d.RulePath,
			Verdict:    d.Verdict,
			Status:     d.Status,
		}); err != nil {
			log.Printf("audit append %s: %v", d.ID, err)
		}
	}
	if s.Bus != nil {
		s.Bus.TryPublishDecision(r.Context(), d)
	}
}

func usernameOf(user *models.User) string {
	if user == nil {
		return ""
	}
	return user.Username
}

func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
