// Package match finds the access rule governing a request path.
//
// Matching is deliberately a prefix test: a pattern with N segments
// matches any request with at least N segments whose first N segments
// agree. Trailing request segments are ignored so that a rule for
// "/billing/" also covers "/billing/invoices/42". Pattern segments of
// the form ":name" or "{name}" capture the corresponding request
// segment under "name".
package match

import (
	"regexp"
	"strings"

	"rulegate/pkg/models"
)

var captureRe = regexp.MustCompile(`^(?::(\S+)|\{(\S+)\})$`)

// Rule returns the path parameters extracted when rule matches
// requestPath, or ok=false when it does not. The returned map is
// pre-seeded from the rule's stored kwargs; captures override entries
// of the same name. pathPrefix, when non-empty, is prepended to the
// rule's pattern before matching.
func Rule(rule *models.Rule, requestPath, pathPrefix string) (map[string]string, bool) {
	patParts := splitPath(fullPagePath(rule.Path, pathPrefix))
	reqParts := splitPath(requestPath)
	// Only worth matching if the URL is at least as long as the pattern.
	if len(reqParts) < len(patParts) {
		return nil, false
	}
	params := rule.KwargsMap()
	for i, patPart := range patParts {
		if m := captureRe.FindStringSubmatch(patPart); m != nil {
			name := m[1]
			if name == "" {
				name = m[2]
			}
			params[name] = reqParts[i]
		} else if patPart != reqParts[i] {
			return nil, false
		}
	}
	return params, true
}

// FindRule returns the first rule (rules must already be ordered by
// ascending rank) matching requestPath, with its extracted parameters.
// A nil rule means no rule matched; callers must treat that as a
// permission failure, never as a silent allow.
func FindRule(rules []*models.Rule, requestPath, pathPrefix string) (*models.Rule, map[string]string) {
	for _, rule := range rules {
		if params, ok := Rule(rule, requestPath, pathPrefix); ok {
			return rule, params
		}
	}
	return nil, map[string]string{}
}

func fullPagePath(pagePath, pathPrefix string) string {
	if !strings.HasPrefix(pagePath, "/") {
		pagePath = "/" + pagePath
	}
	if pathPrefix != "" && !strings.HasPrefix(pathPrefix, "/") {
		pathPrefix = "/" + pathPrefix
	}
	return pathPrefix + pagePath
}

func splitPath(path string) []string {
	parts := make([]string, 0, 8)
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
