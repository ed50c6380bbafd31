package ratelimit

import (
	"strings"
)

// MatchEndpoint matches a request path and method to an endpoint rule.
// Returns nil if no rule matches. Path matching supports prefix matching
// (e.g., "/jobs/" matches "/jobs/{id}"). Health checks are never limited.
func MatchEndpoint(path string, method string, rules []EndpointRule) *EndpointRule {
	if path == "/health" && method == "GET" {
		return &EndpointRule{Path: path, Method: method}
	}

	for i := range rules {
		r := &rules[i]
		if r.Path == path && r.Method == method {
			return r
		}
	}

	for i := range rules {
		r := &rules[i]
		if r.Method == method && strings.HasSuffix(r.Path, "/") && strings.HasPrefix(path, r.Path) {
			return r
		}
	}

	return nil
}
