// Package policy maps a request's path and method plus a verified
// identity onto an authorization decision. The rule table is built once
// at startup and is read-only afterwards, so evaluation needs no locks.
package policy

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"rigrent.io/internal/auth"
)

// Decision is the evaluator's verdict. The zero value is Deny so a
// missed branch can never grant access.
type Decision int

const (
	Deny Decision = iota
	Allow
	// Escalate passes the request through but obliges the handler to
	// check resource ownership before mutating state.
	Escalate
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Escalate:
		return "escalate"
	default:
		return "deny"
	}
}

// Class is the path classification a rule assigns.
type Class int

const (
	// Public paths need no token.
	Public Class = iota
	// RoleRestricted paths need a token whose role is in the rule's set.
	RoleRestricted
	// OwnerOrAdmin paths need a token; admins pass, everyone else is
	// escalated to the handler's ownership check.
	OwnerOrAdmin
)

// Rule binds a path prefix to a classification. Prefixes match on
// segment boundaries; the longest matching prefix wins.
type Rule struct {
	Prefix string
	Class  Class
	Roles  []auth.Role
}

// Evaluator is the compiled rule table.
type Evaluator struct {
	rules []Rule
}

// NewEvaluator validates and compiles the table. A bad table is a
// startup-fatal configuration error, not a per-request condition.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	if len(rules) == 0 {
		return nil, errors.New("policy: empty rule table")
	}
	compiled := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		prefix := strings.TrimSpace(rule.Prefix)
		if prefix == "" || !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("policy: invalid prefix %q", rule.Prefix)
		}
		if rule.Class == RoleRestricted && len(rule.Roles) == 0 {
			return nil, fmt.Errorf("policy: rule %q restricts by role but names none", prefix)
		}
		for _, role := range rule.Roles {
			if !role.Valid() {
				return nil, fmt.Errorf("policy: rule %q names unknown role %q", prefix, role)
			}
		}
		rule.Prefix = prefix
		compiled = append(compiled, rule)
	}
	// Longest prefix first, so the first match is the most specific.
	sort.SliceStable(compiled, func(i, j int) bool {
		return len(compiled[i].Prefix) > len(compiled[j].Prefix)
	})
	return &Evaluator{rules: compiled}, nil
}

// Evaluate classifies one request. A nil claims value means anonymous.
func (e *Evaluator) Evaluate(path, method string, claims *auth.Claims) Decision {
	// Preflight requests carry no credentials and must not touch token
	// logic at all.
	if method == http.MethodOptions {
		return Allow
	}

	rule, matched := e.match(path)
	if !matched {
		// Fail closed: an unlisted path is admin-only.
		rule = Rule{Class: RoleRestricted, Roles: []auth.Role{auth.RoleAdmin}}
	}

	switch rule.Class {
	case Public:
		return Allow
	case RoleRestricted:
		if claims == nil {
			return Deny
		}
		for _, role := range rule.Roles {
			if claims.Role == role {
				return Allow
			}
		}
		return Deny
	case OwnerOrAdmin:
		if claims == nil {
			return Deny
		}
		if claims.IsAdmin() {
			return Allow
		}
		return Escalate
	default:
		return Deny
	}
}

func (e *Evaluator) match(path string) (Rule, bool) {
	for _, rule := range e.rules {
		if matchesPrefix(path, rule.Prefix) {
			return rule, true
		}
	}
	return Rule{}, false
}

// matchesPrefix reports whether path falls under prefix on a segment
// boundary, so "/api/billings" does not match "/api/billing".
func matchesPrefix(path, prefix string) bool {
	if prefix == "/" {
		return path == "/"
	}
	trimmed := strings.TrimSuffix(prefix, "/")
	if path == trimmed {
		return true
	}
	return strings.HasPrefix(path, trimmed+"/")
}
