package auth

import "context"

type claimsContextKey struct{}
type ownershipContextKey struct{}

// ContextWithClaims attaches the verified claims to the context. This is
// the only channel identity travels on; there is no ambient current
// user.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts the verified claims, if any. A false return
// means the request is anonymous.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ContextWithOwnershipCheck marks that the gateway escalated the
// decision: the handler must verify resource ownership before mutating
// anything.
func ContextWithOwnershipCheck(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownershipContextKey{}, true)
}

// OwnershipCheckRequired reports whether the gateway left the ownership
// decision to the handler.
func OwnershipCheckRequired(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, ok := ctx.Value(ownershipContextKey{}).(bool)
	return ok && v
}
