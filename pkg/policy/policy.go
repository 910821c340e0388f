// Package policy decides whether a matched rule grants access to a
// request, using an ordered table of operators selected by the rule's
// integer rule_op. Operator 0 always grants; every other operator runs
// a check function with the rule's kwargs merged over the operator's
// defaults and the parameters captured from the path.
package policy

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"rulegate/pkg/models"
)

// NoRuleMatchError reports a request path no rule covers. It is a
// permission failure for the caller, never a silent allow.
type NoRuleMatchError struct {
	Path string
}

func (e *NoRuleMatchError) Error() string {
	return fmt.Sprintf("no access rules triggered by path %q", e.Path)
}

// Request carries the caller and tenant context through an evaluation.
// It replaces any notion of an ambient "current site": everything the
// evaluator needs travels in explicit arguments.
type Request struct {
	App    *models.App
	User   *models.User // nil when anonymous
	Method string
	Path   string
	Accept string
	// Scheme and Host of the original request, used to build absolute
	// redirect URLs.
	Scheme string
	Host   string
}

// Authenticated reports whether the request carries a caller identity.
func (r *Request) Authenticated() bool {
	return r.User != nil && r.User.Username != ""
}

// CheckFunc inspects an authenticated request. On a denial it may
// return a redirect target; when redirect is empty the evaluator falls
// back to the login URL.
type CheckFunc func(ctx context.Context, req *Request, kwargs map[string]string) (granted bool, redirect string)

// Operator is one entry of the rule operator table.
type Operator struct {
	Label    string
	Check    CheckFunc
	Defaults map[string]string
}

// Table is the process-wide ordered operator table, built once at
// startup. Index 0 is always the "any" operator.
type Table struct {
	ops []Operator
}

// NewTable builds the operator table. Entry 0 must be the unchecked
// "any" operator (nil Check); every later entry needs a check function.
func NewTable(ops []Operator) (*Table, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("operator table is empty")
	}
	if ops[0].Check != nil {
		return nil, fmt.Errorf("operator 0 must be the unchecked any operator")
	}
	for i, op := range ops[1:] {
		if op.Check == nil {
			return nil, fmt.Errorf("operator %d (%s) has no check function", i+1, op.Label)
		}
		if op.Label == "" {
			return nil, fmt.Errorf("operator %d has no label", i+1)
		}
	}
	return &Table{ops: ops}, nil
}

// DefaultTable returns the built-in operator set.
func DefaultTable() *Table {
	table, err := NewTable([]Operator{
		{Label: "Any"},
		{Label: "Authenticated", Check: failAuthenticated},
		{Label: "Role required", Check: failRole,
			Defaults: map[string]string{"role": "manager"}},
	})
	if err != nil {
		panic(err)
	}
	return table
}

// Validate rejects operator indices outside the table. Called when a
// rule is created or updated so bad indices never reach request time.
func (t *Table) Validate(ruleOp int) error {
	if ruleOp < 0 || ruleOp >= len(t.ops) {
		return fmt.Errorf("unknown rule operator %d (table has %d entries)", ruleOp, len(t.ops))
	}
	return nil
}

// Labels lists the operator labels in table order.
func (t *Table) Labels() []string {
	labels := make([]string, len(t.ops))
	for i, op := range t.ops {
		labels[i] = op.Label
	}
	labels[0] = "Any"
	return labels
}

// EngagementStore creates or fetches the (user, tag) engagement row
// atomically. created reports whether this call inserted the row.
type EngagementStore interface {
	GetOrCreate(ctx context.Context, username, tag string, now time.Time) (lastVisited time.Time, created bool, err error)
}

// Evaluator runs the permission decision for a matched rule.
type Evaluator struct {
	Table       *Table
	Engagements EngagementStore
	LoginURL    string
}

// Decision is the outcome of evaluating a rule against a request.
// Redirect is empty when access is granted; Session carries the data
// to forward (engagement info included) on a grant.
type Decision struct {
	Redirect string
	Session  map[string]any
}

// Granted reports whether access was granted.
func (d Decision) Granted() bool {
	return d.Redirect == ""
}

// Evaluate applies rule to req. params are the path captures from the
// matcher (already merged over the rule's kwargs). Unauthenticated
// callers hitting any operator other than Any are redirected to the
// login URL; authenticated callers run the operator's check function.
func (e *Evaluator) Evaluate(ctx context.Context, rule *models.Rule, params map[string]string, req *Request) (Decision, error) {
	session := map[string]any{}
	if rule.RuleOp == models.OpAny {
		if req.Authenticated() {
			if last := e.engaged(ctx, rule, req); last != nil {
				session["last_visited"] = last.UTC().Format(time.RFC3339)
			}
		}
		return Decision{Session: session}, nil
	}

	var redirect string
	if !req.Authenticated() {
		redirect = e.loginRedirect(req)
	} else {
		if err := e.Table.Validate(rule.RuleOp); err != nil {
			// Stored data referencing an operator the table no longer
			// has. Deny rather than allow.
			log.Printf("rule %q: %v", rule.Path, err)
			return Decision{Redirect: e.loginRedirect(req)}, nil
		}
		op := e.Table.ops[rule.RuleOp]
		kwargs := make(map[string]string, len(op.Defaults)+len(params))
		for k, v := range op.Defaults {
			kwargs[k] = v
		}
		for k, v := range params {
			kwargs[k] = v
		}
		granted, target := op.Check(ctx, req, kwargs)
		if !granted {
			redirect = target
			if redirect == "" {
				redirect = e.loginRedirect(req)
			}
		}
	}

	if redirect == "" {
		if last := e.engaged(ctx, rule, req); last != nil {
			session["last_visited"] = last.UTC().Format(time.RFC3339)
		}
		return Decision{Session: session}, nil
	}
	return Decision{Redirect: redirect}, nil
}

// engaged records a visit against each of the rule's engagement tags
// and returns the latest prior visit across tags that already existed.
// A first-ever engagement on a tag contributes no prior-visit value.
func (e *Evaluator) engaged(ctx context.Context, rule *models.Rule, req *Request) *time.Time {
	if rule.Engaged == "" || e.Engagements == nil || !req.Authenticated() {
		return nil
	}
	var lastVisited *time.Time
	now := time.Now().UTC()
	for _, tag := range strings.Split(rule.Engaged, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		visited, created, err := e.Engagements.GetOrCreate(ctx, req.User.Username, tag, now)
		if err != nil {
			log.Printf("engagement %q for %q: %v", tag, req.User.Username, err)
			continue
		}
		if created {
			log.Printf("initial %q engagement by %q on %s", tag, req.User.Username, req.Path)
			continue
		}
		if lastVisited == nil || visited.After(*lastVisited) {
			v := visited
			lastVisited = &v
		}
	}
	return lastVisited
}

// loginRedirect builds an absolute login URL preserving the original
// request path in the "next" parameter.
func (e *Evaluator) loginRedirect(req *Request) string {
	login := e.LoginURL
	if login == "" {
		login = "/login/"
	}
	parsed, err := url.Parse(login)
	if err != nil {
		return login
	}
	if parsed.Host == "" && req.Host != "" {
		parsed.Host = req.Host
		parsed.Scheme = req.Scheme
		if parsed.Scheme == "" {
			parsed.Scheme = "http"
		}
	}
	q := parsed.Query()
	q.Set("next", req.Path)
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// AcceptsHTML reports whether the Accept header admits a text/html
// response. API clients get a bare 403 instead of a login redirect.
func AcceptsHTML(accept string) bool {
	if accept == "" {
		return false
	}
	for _, item := range strings.Split(accept, ",") {
		item = strings.TrimSpace(item)
		if semi := strings.IndexByte(item, ';'); semi >= 0 {
			item = strings.TrimSpace(item[:semi])
		}
		if item == "text/html" {
			return true
		}
	}
	return false
}

func failAuthenticated(ctx context.Context, req *Request, kwargs map[string]string) (bool, string) {
	return req.Authenticated(), kwargs["login_url"]
}

func failRole(ctx context.Context, req *Request, kwargs map[string]string) (bool, string) {
	required := kwargs["role"]
	if required == "" {
		return true, ""
	}
	for _, role := range req.User.Roles {
		if strings.EqualFold(role, required) {
			return true, ""
		}
	}
	return false, kwargs["login_url"]
}
