package policy

import "rigrent.io/internal/auth"

// DefaultRules is the back-office access table. Billing resource routes
// are owner-or-admin; everything not listed falls through to the
// evaluator's admin-only default.
func DefaultRules() []Rule {
	both := []auth.Role{auth.RoleAdmin, auth.RoleUser}
	adminOnly := []auth.Role{auth.RoleAdmin}

	return []Rule{
		{Prefix: "/", Class: Public},
		{Prefix: "/login", Class: Public},
		{Prefix: "/healthz", Class: Public},
		{Prefix: "/readyz", Class: Public},
		{Prefix: "/metrics", Class: Public},
		{Prefix: "/v1/info", Class: Public},
		{Prefix: "/assets/", Class: Public},
		{Prefix: "/api/auth/login", Class: Public},

		{Prefix: "/api/", Class: RoleRestricted, Roles: both},
		{Prefix: "/api/billing/", Class: OwnerOrAdmin},
		{Prefix: "/api/billing/invoices", Class: OwnerOrAdmin},
		{Prefix: "/api/admin/", Class: RoleRestricted, Roles: adminOnly},

		{Prefix: "/app/", Class: RoleRestricted, Roles: both},
		{Prefix: "/app/admin/", Class: RoleRestricted, Roles: adminOnly},
	}
}
