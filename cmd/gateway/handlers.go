package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"rulegate/pkg/audit"
	"rulegate/pkg/httpx"
	"rulegate/pkg/identity"
	"rulegate/pkg/models"
	"rulegate/pkg/store"
	"rulegate/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type appResponse struct {
	Slug           string `json:"slug"`
	EntryPoint     string `json:"entry_point"`
	EncKey         string `json:"enc_key"`
	SessionBackend string `json:"session_backend"`
	Authentication string `json:"authentication"`
	IsActive       bool   `json:"is_active"`
}

func newAppResponse(app *models.App) appResponse {
	return appResponse{
		Slug:           app.Slug,
		EntryPoint:     app.EntryPoint,
		EncKey:         app.EncKey,
		SessionBackend: models.SessionBackendName(app.SessionBackend),
		Authentication: models.AuthenticationName(app.Authentication),
		IsActive:       app.IsActive,
	}
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newAppResponse(app))
}

func (s *Server) updateApp(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	var body struct {
		EntryPoint     *string `json:"entry_point"`
		SessionBackend *string `json:"session_backend"`
		Authentication *string `json:"authentication"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	upd := store.AppUpdate{EntryPoint: body.EntryPoint}
	if body.SessionBackend != nil {
		backend, err := models.ParseSessionBackend(*body.SessionBackend)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		upd.SessionBackend = &backend
	}
	if body.Authentication != nil {
		mode, err := models.ParseAuthentication(*body.Authentication)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		upd.Authentication = &mode
	}
	updated, err := s.Apps.UpdateConfig(r.Context(), app.Slug, upd)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "app not found")
			return
		}
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newAppResponse(updated))
}

func (s *Server) deactivateApp(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	if err := s.Apps.Deactivate(r.Context(), app.Slug); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "app not found")
			return
		}
		log.Printf("deactivate %q: %v", app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "deactivate failed")
		return
	}
	s.RuleCache.Invalidate(app.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) provisionApp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slug           string `json:"slug"`
		EntryPoint     string `json:"entry_point"`
		SessionBackend string `json:"session_backend"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	backend := models.NoSession
	if body.SessionBackend != "" {
		parsed, err := models.ParseSessionBackend(body.SessionBackend)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		backend = parsed
	}
	app, err := s.Apps.Provision(r.Context(), body.Slug, body.EntryPoint, backend)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newAppResponse(app))
}

func (s *Server) rotateKey(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	encKey, err := s.Apps.RotateKey(r.Context(), app.Slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "app not found")
			return
		}
		log.Printf("rotate key for %q: %v", app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "key rotation failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"enc_key": encKey})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	rules, err := s.Rules.List(r.Context(), app.ID)
	if err != nil {
		log.Printf("list rules for %q: %v", app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "rule lookup failed")
		return
	}
	page, pageSize := pagination(r)
	start := (page - 1) * pageSize
	if start > len(rules) {
		start = len(rules)
	}
	end := start + pageSize
	if end > len(rules) {
		end = len(rules)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"count":   len(rules),
		"results": rules[start:end],
	})
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	var body struct {
		Path      string `json:"path"`
		RuleOp    int    `json:"rule_op"`
		Kwargs    string `json:"kwargs"`
		IsForward bool   `json:"is_forward"`
		Engaged   string `json:"engaged"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	path := normalizeRulePath(body.Path)
	if path == "" {
		httpx.Error(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.Policy.Table.Validate(body.RuleOp); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Kwargs != "" && !json.Valid([]byte(body.Kwargs)) {
		httpx.Error(w, http.StatusBadRequest, "kwargs must be a JSON object")
		return
	}
	rule, err := s.Rules.Create(r.Context(), &models.Rule{
		AppID:     app.ID,
		Path:      path,
		RuleOp:    body.RuleOp,
		Kwargs:    body.Kwargs,
		IsForward: body.IsForward,
		Engaged:   body.Engaged,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("create rule %q for %q: %v", path, app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "rule creation failed")
		return
	}
	s.ruleChanged(r, app, "create", rule.Path)
	httpx.WriteJSON(w, http.StatusCreated, rule)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	path := normalizeRulePath(chi.URLParam(r, "*"))
	rule, err := s.Rules.GetByPath(r.Context(), app.ID, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "no rule at "+path)
			return
		}
		log.Printf("get rule %q for %q: %v", path, app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "rule lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	path := normalizeRulePath(chi.URLParam(r, "*"))
	var body struct {
		RuleOp    *int    `json:"rule_op"`
		Kwargs    *string `json:"kwargs"`
		IsForward *bool   `json:"is_forward"`
		Engaged   *string `json:"engaged"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.RuleOp != nil {
		if err := s.Policy.Table.Validate(*body.RuleOp); err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.Kwargs != nil && *body.Kwargs != "" && !json.Valid([]byte(*body.Kwargs)) {
		httpx.Error(w, http.StatusBadRequest, "kwargs must be a JSON object")
		return
	}
	rule, err := s.Rules.Update(r.Context(), app.ID, path, store.RuleUpdate{
		RuleOp:    body.RuleOp,
		Kwargs:    body.Kwargs,
		IsForward: body.IsForward,
		Engaged:   body.Engaged,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "no rule at "+path)
			return
		}
		log.Printf("update rule %q for %q: %v", path, app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "rule update failed")
		return
	}
	s.ruleChanged(r, app, "update", rule.Path)
	httpx.WriteJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	path := normalizeRulePath(chi.URLParam(r, "*"))
	if err := s.Rules.Delete(r.Context(), app.ID, path); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "no rule at "+path)
			return
		}
		log.Printf("delete rule %q for %q: %v", path, app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "rule deletion failed")
		return
	}
	s.ruleChanged(r, app, "delete", path)
	w.WriteHeader(http.StatusNoContent)
}

// reorderRules applies a batch of rank moves, in sequence. oldpos and
// newpos are rank values; a move whose oldpos matches no rule is
// logged and skipped while the rest of the batch still applies. The
// surviving rank values are reassigned over the new order, so gaps in
// the rank sequence are kept.
func (s *Server) reorderRules(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	var body struct {
		Updates []struct {
			Oldpos int `json:"oldpos"`
			Newpos int `json:"newpos"`
		} `json:"updates"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	rules, err := s.Rules.List(r.Context(), app.ID)
	if err != nil {
		log.Printf("reorder rules for %q: %v", app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "rule lookup failed")
		return
	}
	order := make([]store.RankAssignment, len(rules))
	ranks := make([]int, len(rules))
	for i, rule := range rules {
		order[i] = store.RankAssignment{Path: rule.Path, Rank: rule.Rank}
		ranks[i] = rule.Rank
	}
	for _, upd := range body.Updates {
		oldIdx := -1
		for i, asg := range order {
			if asg.Rank == upd.Oldpos {
				oldIdx = i
				break
			}
		}
		if oldIdx < 0 {
			log.Printf("reorder rules for %q: no rule at rank %d, skipped", app.Slug, upd.Oldpos)
			continue
		}
		moved := order[oldIdx]
		order = append(order[:oldIdx], order[oldIdx+1:]...)
		// The moved rule lands in the slot whose rank is newpos, or the
		// first slot past it when no rule holds that rank.
		newIdx := len(order)
		for i, rank := range ranks {
			if rank >= upd.Newpos {
				newIdx = i
				break
			}
		}
		if newIdx > len(order) {
			newIdx = len(order)
		}
		rest := append([]store.RankAssignment{}, order[newIdx:]...)
		order = append(append(order[:newIdx], moved), rest...)
		for i := range order {
			order[i].Rank = ranks[i]
		}
	}
	if err := s.Rules.Reorder(r.Context(), app.ID, order); err != nil {
		log.Printf("reorder rules for %q: %v", app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "reorder failed")
		return
	}
	s.ruleChanged(r, app, "reorder", "")
	reordered, err := s.Rules.List(r.Context(), app.ID)
	if err != nil {
		log.Printf("reorder rules for %q: %v", app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "rule lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"count":   len(reordered),
		"results": reordered,
	})
}

// getSession renders the session a named user would forward with, for
// debugging tenant integrations.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	username := chi.URLParam(r, "user")
	user, err := s.Users.FindUser(r.Context(), username)
	if err != nil {
		var unknown *identity.ErrUnknownUser
		if errors.As(err, &unknown) {
			httpx.Error(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("session for %q: %v", username, err)
		httpx.Error(w, http.StatusInternalServerError, "identity lookup failed")
		return
	}
	codec := sessionCodec(app)
	if codec == nil {
		httpx.Error(w, http.StatusBadRequest,
			"app "+app.Slug+" forwards no session")
		return
	}
	sess := forwardSession(user, nil)
	token, err := codec.Prepare(sess, app.EncKey)
	if err != nil {
		log.Printf("prepare session for %q: %v", username, err)
		httpx.Error(w, http.StatusInternalServerError, "session encoding failed")
		return
	}
	pretty, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "session encoding failed")
		return
	}
	header := s.SessionCookie + ": " + token
	if app.SessionBackend == models.JWTSession {
		header = "Authorization: Bearer " + token
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"forward_session":        string(pretty),
		"forward_session_header": wrapHeader(header, 48),
		"forward_url":            app.EntryPoint,
	})
}

func (s *Server) engagementSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Engagements.Summary(r.Context())
	if err != nil {
		log.Printf("engagement summary: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "engagement lookup failed")
		return
	}
	_, total, err := s.Engagements.Users(r.Context(), 1, 0)
	if err != nil {
		log.Printf("engagement summary: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "engagement lookup failed")
		return
	}
	type tagShare struct {
		Slug       string `json:"slug"`
		Count      int64  `json:"count"`
		Percentage int    `json:"percentage"`
	}
	shares := make([]tagShare, len(counts))
	for i, c := range counts {
		share := tagShare{Slug: c.Slug, Count: c.Count}
		if total > 0 {
			share.Percentage = int(c.Count * 100 / total)
		}
		shares[i] = share
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"active_users": total,
		"engagements":  shares,
	})
}

func (s *Server) engagementUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)
	users, total, err := s.Engagements.Users(r.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		log.Printf("engagement users: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "engagement lookup failed")
		return
	}
	if users == nil {
		users = []store.UserEngagement{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"count":   total,
		"results": users,
	})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotFound, "audit trail is disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	records, err := s.Audit.Recent(r.Context(), app.Slug, limit)
	if err != nil {
		log.Printf("audit list for %q: %v", app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"results": records,
	})
}

func (s *Server) getAuditRecord(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotFound, "audit trail is disabled")
		return
	}
	rec, err := s.Audit.Get(r.Context(), app.Slug, chi.URLParam(r, "id"))
	if errors.Is(err, audit.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "no such decision")
		return
	}
	if err != nil {
		log.Printf("audit get for %q: %v", app.Slug, err)
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// streamEvents serves the live decision feed over a websocket. Reads
// from the client are drained only to detect the close.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: wsOriginPatterns(),
	})
	if err != nil {
		log.Printf("websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(ch)

	ctx := r.Context()
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readErr:
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func wsOriginPatterns() []string {
	raw := env("WS_ALLOWED_ORIGINS", "")
	if raw == "" {
		return nil
	}
	var patterns []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			patterns = append(patterns, part)
		}
	}
	return patterns
}

// resolveApp is the management API's tenant lookup; a request whose
// host maps to no app gets a 404 here.
func (s *Server) resolveApp(w http.ResponseWriter, r *http.Request) (*models.App, bool) {
	app, err := s.appFromRequest(r)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "no application configured for this host")
			return nil, false
		}
		log.Printf("resolve app for %q: %v", r.Host, err)
		httpx.Error(w, http.StatusServiceUnavailable, "application lookup failed")
		return nil, false
	}
	return app, true
}

func (s *Server) ruleChanged(r *http.Request, app *models.App, action, path string) {
	s.RuleCache.Invalidate(app.ID)
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeRuleChange, map[string]string{
			"app":    app.Slug,
			"action": action,
			"path":   path,
		}))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// normalizeRulePath gives stored rule paths one canonical shape:
// leading and trailing slash, no duplicate separators.
func normalizeRulePath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for strings.Contains(raw, "//") {
		raw = strings.ReplaceAll(raw, "//", "/")
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	return raw
}

func pagination(r *http.Request) (page, pageSize int) {
	page, pageSize = 1, 25
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 {
		pageSize = v
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

// wrapHeader hard-wraps a header line with backslash continuations so
// it reads well in terminals and docs.
func wrapHeader(line string, width int) string {
	if width <= 0 || len(line) <= width {
		return line
	}
	var b strings.Builder
	for len(line) > width {
		b.WriteString(line[:width])
		b.WriteString("\\\n")
		line = line[width:]
	}
	b.WriteString(line)
	return b.String()
}
